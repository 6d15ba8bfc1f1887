// Package gpu runs the camera pipeline on WebGPU.
package gpu

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
	"github.com/sirupsen/logrus"
)

// ContextOptions select the adapter. Only the first GetContext call uses
// them; later calls return the same context.
type ContextOptions struct {
	// PreferAdapter is matched case-insensitively against the adapter and
	// vendor names before falling back to the power preference.
	PreferAdapter string
	// LowPower asks for the integrated adapter first.
	LowPower bool
	Log      logrus.FieldLogger
}

// Context holds the single WebGPU context for the process.
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue
	Info     AdapterInfo
	Limits   Limits

	once    sync.Once
	initErr error
}

var ctx Context

// GetContext returns the process GPU context, initializing it on first use.
func GetContext(opts ContextOptions) (*Context, error) {
	ctx.once.Do(func() { ctx.initErr = ctx.init(opts) })
	if ctx.initErr != nil {
		return nil, ctx.initErr
	}
	if ctx.Device == nil || ctx.Queue == nil {
		return nil, errors.New("WebGPU device or queue not initialized")
	}
	return &ctx, nil
}

func (c *Context) init(opts ContextOptions) error {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	c.Instance = wgpu.CreateInstance(nil)
	if c.Instance == nil {
		return errors.New("failed to create WebGPU instance")
	}

	if want := strings.ToLower(opts.PreferAdapter); want != "" {
		for _, a := range c.Instance.EnumerateAdapters(nil) {
			info := a.GetInfo()
			log.WithFields(logrus.Fields{
				"name":   info.Name,
				"vendor": info.VendorName,
				"type":   info.AdapterType.String(),
			}).Debug("found adapter")
			if strings.Contains(strings.ToLower(info.Name), want) ||
				strings.Contains(strings.ToLower(info.VendorName), want) {
				c.Adapter = a
				break
			}
		}
	}

	prefs := []wgpu.PowerPreference{wgpu.PowerPreferenceHighPerformance, wgpu.PowerPreferenceLowPower}
	if opts.LowPower {
		prefs[0], prefs[1] = prefs[1], prefs[0]
	}
	var err error
	for _, pref := range prefs {
		if c.Adapter != nil {
			break
		}
		c.Adapter, err = c.Instance.RequestAdapter(&wgpu.RequestAdapterOptions{PowerPreference: pref})
		if err != nil {
			log.WithError(err).WithField("power_preference", pref).Debug("adapter request failed, falling back")
		}
	}
	if c.Adapter == nil {
		c.Adapter, err = c.Instance.RequestAdapter(nil)
	}
	if c.Adapter == nil {
		return fmt.Errorf("all adapter attempts failed: %v", err)
	}

	c.Info = adapterInfo(c.Adapter)
	c.Limits = adapterLimits(c.Adapter)
	log.WithFields(logrus.Fields{
		"name":    c.Info.Name,
		"vendor":  c.Info.Vendor,
		"backend": c.Info.Backend,
	}).Info("using GPU adapter")

	c.Device, err = c.Adapter.RequestDevice(nil)
	if err != nil {
		return fmt.Errorf("request device: %w", err)
	}
	c.Queue = c.Device.GetQueue()
	return nil
}

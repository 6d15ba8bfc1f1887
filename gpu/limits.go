package gpu

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/openfluke/camsensor/gpu/wgsl"
)

// AdapterInfo is a printable summary of the selected adapter.
type AdapterInfo struct {
	Name     string `json:"name"`
	Vendor   string `json:"vendor"`
	Backend  string `json:"backend"`
	Type     string `json:"adapter_type"`
	VendorID string `json:"vendor_id_hex"`
	DeviceID string `json:"device_id_hex"`
	Driver   string `json:"driver"`
}

// Limits are the adapter limits the camera pipeline depends on.
type Limits struct {
	MaxComputeInvocationsPerWorkgroup uint32 `json:"max_compute_invocations_per_workgroup"`
	MaxComputeWorkgroupSizeX          uint32 `json:"max_compute_workgroup_size_x"`
	MaxComputeWorkgroupSizeY          uint32 `json:"max_compute_workgroup_size_y"`
	MaxComputeWorkgroupSizeZ          uint32 `json:"max_compute_workgroup_size_z"`
	MaxComputeWorkgroupsPerDimension  uint32 `json:"max_compute_workgroups_per_dimension"`
	MaxStorageBufferBindingSize       uint64 `json:"max_storage_buffer_binding_size"`
	MaxBufferSize                     uint64 `json:"max_buffer_size"`
}

func adapterInfo(a *wgpu.Adapter) AdapterInfo {
	info := a.GetInfo()
	return AdapterInfo{
		Name:     strings.TrimSpace(info.Name),
		Vendor:   strings.TrimSpace(info.VendorName),
		Backend:  info.BackendType.String(),
		Type:     info.AdapterType.String(),
		VendorID: fmt.Sprintf("0x%04x", info.VendorId),
		DeviceID: fmt.Sprintf("0x%04x", info.DeviceId),
		Driver:   strings.TrimSpace(info.DriverDescription),
	}
}

func adapterLimits(a *wgpu.Adapter) Limits {
	l := a.GetLimits().Limits
	return Limits{
		MaxComputeInvocationsPerWorkgroup: l.MaxComputeInvocationsPerWorkgroup,
		MaxComputeWorkgroupSizeX:          l.MaxComputeWorkgroupSizeX,
		MaxComputeWorkgroupSizeY:          l.MaxComputeWorkgroupSizeY,
		MaxComputeWorkgroupSizeZ:          l.MaxComputeWorkgroupSizeZ,
		MaxComputeWorkgroupsPerDimension:  l.MaxComputeWorkgroupsPerDimension,
		MaxStorageBufferBindingSize:       l.MaxStorageBufferBindingSize,
		MaxBufferSize:                     l.MaxBufferSize,
	}
}

// CheckWorkgroup reports whether the adapter can run a kernel declared with
// workgroup size wg.
func (l Limits) CheckWorkgroup(wg wgsl.Workgroup) error {
	if wg.X > l.MaxComputeWorkgroupSizeX || wg.Y > l.MaxComputeWorkgroupSizeY || wg.Z > l.MaxComputeWorkgroupSizeZ {
		return fmt.Errorf("workgroup %dx%dx%d exceeds adapter maximum %dx%dx%d",
			wg.X, wg.Y, wg.Z, l.MaxComputeWorkgroupSizeX, l.MaxComputeWorkgroupSizeY, l.MaxComputeWorkgroupSizeZ)
	}
	if n := wg.X * wg.Y * wg.Z; n > l.MaxComputeInvocationsPerWorkgroup {
		return fmt.Errorf("workgroup of %d invocations exceeds adapter maximum %d", n, l.MaxComputeInvocationsPerWorkgroup)
	}
	return nil
}

// CheckBinding reports whether a storage buffer of size bytes can be bound.
func (l Limits) CheckBinding(size uint64) error {
	if size > l.MaxStorageBufferBindingSize {
		return fmt.Errorf("%d bytes exceeds max storage binding %d", size, l.MaxStorageBufferBindingSize)
	}
	if size > l.MaxBufferSize {
		return fmt.Errorf("%d bytes exceeds max buffer size %d", size, l.MaxBufferSize)
	}
	return nil
}

// CheckGroups reports whether a dispatch of x by y workgroups is allowed.
func (l Limits) CheckGroups(x, y uint32) error {
	if x > l.MaxComputeWorkgroupsPerDimension || y > l.MaxComputeWorkgroupsPerDimension {
		return fmt.Errorf("dispatch %dx%d exceeds %d workgroups per dimension", x, y, l.MaxComputeWorkgroupsPerDimension)
	}
	return nil
}

// Report is the adapter summary printed by the probe command.
type Report struct {
	Adapter AdapterInfo `json:"adapter"`
	Limits  Limits      `json:"limits"`
	// MaxSquareFrame is the largest square frame whose surfaces fit the
	// storage binding limit.
	MaxSquareFrame int `json:"max_square_frame"`
}

// Report summarizes the context's adapter.
func (c *Context) Report() Report {
	side := int(math.Sqrt(float64(c.Limits.MaxStorageBufferBindingSize / 4)))
	return Report{Adapter: c.Info, Limits: c.Limits, MaxSquareFrame: side}
}

// ReportJSON returns the indented JSON form of Report.
func (c *Context) ReportJSON() (string, error) {
	b, err := json.MarshalIndent(c.Report(), "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

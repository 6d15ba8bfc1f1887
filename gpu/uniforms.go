package gpu

import (
	"github.com/openfluke/camsensor/compute"
	"github.com/openfluke/camsensor/gpu/wgsl"
)

// uniformBlock mirrors the WGSL Params struct, 16 words.
type uniformBlock struct {
	Width, Height, Words, pad0    uint32
	Fx, Fy, Cx, Cy                float32
	K1, K2, K3, P1, P2, Sharpness float32
	pad1, pad2                    float32
}

const uniformSize = uint64(wgsl.UniformWords * 4)

func uniformBlocks(u compute.Uniforms) []uniformBlock {
	return []uniformBlock{{
		Width: u.Width, Height: u.Height, Words: u.Words,
		Fx: u.Fx, Fy: u.Fy, Cx: u.Cx, Cy: u.Cy,
		K1: u.K1, K2: u.K2, K3: u.K3, P1: u.P1, P2: u.P2,
		Sharpness: u.Sharpness,
	}}
}

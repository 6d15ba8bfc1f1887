// Package wgsl holds the camera pipeline's compute kernel library and the
// table of entry points it declares.
package wgsl

import (
	"regexp"
	"strconv"
	"strings"
)

// UniformWords is the size of the Params struct in 32-bit words.
const UniformWords = 16

// Source is the kernel library. Surfaces are array<u32> of packed RGBA8
// (R in the low byte). Bindings: 0 params, 1 source surface, 2 destination
// surface, 3 packed words. Each entry point only touches the bindings it uses.
const Source = `
struct Params {
	width: u32,
	height: u32,
	words: u32,
	pad0: u32,
	fx: f32,
	fy: f32,
	cx: f32,
	cy: f32,
	k1: f32,
	k2: f32,
	k3: f32,
	p1: f32,
	p2: f32,
	sharpness: f32,
	pad1: f32,
	pad2: f32,
};

@group(0) @binding(0) var<uniform> params : Params;
@group(0) @binding(1) var<storage, read> src : array<u32>;
@group(0) @binding(2) var<storage, read_write> dst : array<u32>;
@group(0) @binding(3) var<storage, read_write> words : array<u32>;

fn load_clamped(x: i32, y: i32) -> vec4<f32> {
	let cx = clamp(x, 0, i32(params.width) - 1);
	let cy = clamp(y, 0, i32(params.height) - 1);
	return unpack4x8unorm(src[u32(cy) * params.width + u32(cx)]);
}

fn sample_bilinear(px: f32, py: f32) -> vec4<f32> {
	let maxX = f32(params.width - 1u);
	let maxY = f32(params.height - 1u);
	if (px < -0.5 || py < -0.5 || px > maxX + 0.5 || py > maxY + 0.5) {
		return vec4<f32>(0.0, 0.0, 0.0, 1.0);
	}
	let x0 = floor(px);
	let y0 = floor(py);
	let tx = px - x0;
	let ty = py - y0;
	let ix = i32(x0);
	let iy = i32(y0);
	let top = mix(load_clamped(ix, iy), load_clamped(ix + 1, iy), tx);
	let bottom = mix(load_clamped(ix, iy + 1), load_clamped(ix + 1, iy + 1), tx);
	return mix(top, bottom, ty);
}

fn plumb_bob(x: f32, y: f32, k1: f32, k2: f32, k3: f32, p1: f32, p2: f32) -> vec2<f32> {
	let r2 = x * x + y * y;
	let radial = 1.0 + k1 * r2 + k2 * r2 * r2 + k3 * r2 * r2 * r2;
	let xd = x * radial + 2.0 * p1 * x * y + p2 * (r2 + 2.0 * x * x);
	let yd = y * radial + p1 * (r2 + 2.0 * y * y) + 2.0 * p2 * x * y;
	return vec2<f32>(xd, yd);
}

fn remap(gid: vec3<u32>, k1: f32, k2: f32, k3: f32, p1: f32, p2: f32) {
	let x = (f32(gid.x) - params.cx) / params.fx;
	let y = (f32(gid.y) - params.cy) / params.fy;
	let d = plumb_bob(x, y, k1, k2, k3, p1, p2);
	let color = sample_bilinear(d.x * params.fx + params.cx, d.y * params.fy + params.cy);
	dst[gid.y * params.width + gid.x] = pack4x8unorm(color);
}

@compute @workgroup_size(16, 16)
fn sharpen_main(@builtin(global_invocation_id) gid: vec3<u32>) {
	if (gid.x >= params.width || gid.y >= params.height) { return; }
	let x = i32(gid.x);
	let y = i32(gid.y);
	let c = load_clamped(x, y);
	let edge = 4.0 * c - load_clamped(x - 1, y) - load_clamped(x + 1, y) - load_clamped(x, y - 1) - load_clamped(x, y + 1);
	var o = clamp(c + params.sharpness * edge, vec4<f32>(0.0), vec4<f32>(1.0));
	o.w = c.w;
	dst[gid.y * params.width + gid.x] = pack4x8unorm(o);
}

// Coefficients arrive already sign-adjusted; distort uses them as given.
@compute @workgroup_size(16, 16)
fn distort_main(@builtin(global_invocation_id) gid: vec3<u32>) {
	if (gid.x >= params.width || gid.y >= params.height) { return; }
	remap(gid, params.k1, params.k2, params.k3, params.p1, params.p2);
}

// Correction samples the distorted image through the stored-sign model.
@compute @workgroup_size(16, 16)
fn correct_main(@builtin(global_invocation_id) gid: vec3<u32>) {
	if (gid.x >= params.width || gid.y >= params.height) { return; }
	remap(gid, -params.k1, -params.k2, -params.k3, params.p1, -params.p2);
}

// Word i holds bytes 4i..4i+3 of the BGR stream, lowest byte first.
@compute @workgroup_size(256)
fn pack_main(@builtin(global_invocation_id) gid: vec3<u32>) {
	let i = gid.x;
	if (i >= params.words) { return; }
	var word: u32 = 0u;
	for (var j: u32 = 0u; j < 4u; j++) {
		let b = i * 4u + j;
		let pixel = b / 3u;
		let channel = b % 3u;
		let shift = (2u - channel) * 8u;
		let v = (src[pixel] >> shift) & 0xFFu;
		word = word | (v << (j * 8u));
	}
	words[i] = word;
}
`

// Workgroup is the declared workgroup size of an entry point.
type Workgroup struct {
	X, Y, Z uint32
}

var entryRe = regexp.MustCompile(`@compute\s+@workgroup_size\(([^)]*)\)\s*fn\s+([A-Za-z_][A-Za-z0-9_]*)`)

// EntryPoints returns every compute entry point declared in src with its
// workgroup size. Missing dimensions default to 1.
func EntryPoints(src string) map[string]Workgroup {
	out := make(map[string]Workgroup)
	for _, m := range entryRe.FindAllStringSubmatch(src, -1) {
		dims := [3]uint32{1, 1, 1}
		for i, part := range strings.Split(m[1], ",") {
			if i >= 3 {
				break
			}
			part = strings.TrimSuffix(strings.TrimSpace(part), "u")
			if part == "" {
				continue
			}
			if v, err := strconv.ParseUint(part, 10, 32); err == nil && v > 0 {
				dims[i] = uint32(v)
			}
		}
		out[m[2]] = Workgroup{X: dims[0], Y: dims[1], Z: dims[2]}
	}
	return out
}

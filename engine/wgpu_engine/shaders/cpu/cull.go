// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package cpu

import (
	"sync"
	"sync/atomic"

	"honnef.co/go/safeish"

	"github.com/helgev-traP/matcha/renderer"
)

// Cull mirrors cull.wgsl: one invocation per instance, compacting the
// indices of visible instances through an atomic counter. Workgroups run on
// separate goroutines so slot assignment sees real contention, like on the
// GPU, and results come out in nondeterministic order.
func Cull(numWGs uint32, resources []CPUBinding) {
	config := fromBytes[renderer.CullConfig](resources[0].(CPUBuffer))
	instances := safeish.SliceCast[[]renderer.InstanceRecord](resources[1].(CPUBuffer))
	stencils := safeish.SliceCast[[]renderer.StencilRecord](resources[2].(CPUBuffer))
	visible := safeish.SliceCast[[]uint32](resources[3].(CPUBuffer))
	counter := fromBytes[atomic.Uint32](resources[4].(CPUBuffer))

	var wg sync.WaitGroup
	for wgIx := range numWGs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for local := range uint32(renderer.CullWorkgroupSize) {
				ix := wgIx*renderer.CullWorkgroupSize + local
				if ix >= config.InstanceCount {
					return
				}
				cullOne(config, instances, stencils, visible, counter, ix)
			}
		}()
	}
	wg.Wait()
}

func cullOne(
	config *renderer.CullConfig,
	instances []renderer.InstanceRecord,
	stencils []renderer.StencilRecord,
	visible []uint32,
	counter *atomic.Uint32,
	ix uint32,
) {
	inst := &instances[ix]
	keep := true
	if config.CullDisabled == 0 {
		quad := quadCorners(config.Normalize.Mul(inst.Transform))
		keep = quadsOverlap(quad, clipQuad)
		if keep && inst.StencilRef != 0 {
			// Out-of-range references are a caller defect; clamp so they
			// can't read out of bounds.
			sref := min(inst.StencilRef-1, uint32(len(stencils)-1))
			squad := quadCorners(config.Normalize.Mul(stencils[sref].Transform))
			keep = quadsOverlap(squad, clipQuad) && quadsOverlap(quad, squad)
		}
	}
	if keep {
		slot := counter.Add(1) - 1
		visible[slot] = ix
	}
}

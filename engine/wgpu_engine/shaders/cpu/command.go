// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package cpu

import (
	"github.com/helgev-traP/matcha/renderer"
)

// Command mirrors command.wgsl: a single invocation that converts the final
// visibility count into indirect draw arguments for the quad strip.
func Command(_ uint32, resources []CPUBinding) {
	count := fromBytes[uint32](resources[0].(CPUBuffer))
	args := fromBytes[renderer.DrawIndirectArgs](resources[1].(CPUBuffer))

	args.VertexCount = 4
	args.InstanceCount = *count
	args.FirstVertex = 0
	args.FirstInstance = 0
}

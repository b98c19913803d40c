// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package profiler defines the interface between frame construction and the
// engine's timestamp profiler, so that packages building recordings don't
// need a direct dependency on wgpu.
package profiler

type ProfilerGroup interface {
	Start(label string) ProfilerGroup
	End()
}

// Nop is a ProfilerGroup that records nothing, for callers that don't
// profile.
type Nop struct{}

func (Nop) Start(label string) ProfilerGroup { return Nop{} }
func (Nop) End()                             {}

// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Components that schedule work (the registry's heartbeat loop and
// listener backoff, the wrapper's stop escalation) hold a Clock. In
// production it is Real(). Tests use Fake() and drive time with
// Advance, after WaitForTimers confirms the goroutine under test has
// registered its timer:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	registry, _ := control.NewRegistry(control.RegistryConfig{Clock: fake, ...})
//	fake.WaitForTimers(1)
//	fake.Advance(10 * time.Second)
package clock

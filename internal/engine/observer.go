package engine

import "time"

// Observer receives conversion events. The metrics package implements it;
// calls happen on the converting goroutine and must not block.
type Observer interface {
	ConversionCompleted(trigger string, resources int, elapsed time.Duration)
	ConversionFailed(trigger, reason string)
	ResourceProduced(resourceType string)
	DuplicateMerged(resourceType string)
	CodingResolved(outcome string)
}

type nopObserver struct{}

func (nopObserver) ConversionCompleted(string, int, time.Duration) {}
func (nopObserver) ConversionFailed(string, string)                {}
func (nopObserver) ResourceProduced(string)                        {}
func (nopObserver) DuplicateMerged(string)                         {}
func (nopObserver) CodingResolved(string)                          {}

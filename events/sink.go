// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package events // import "github.com/google/syzygy-sub005/events"

import (
	"errors"
	"sync"
)

// The transport binding that feeds live capture buffers into this process
// requires a single process-wide callback sink. The sink has an explicit
// lifecycle and is immutable between InitConsumer and ShutdownConsumer.

var (
	consumerMu sync.Mutex
	consumer   Handler
)

// ErrConsumerInstalled is returned when InitConsumer is called while a
// consumer is already installed.
var ErrConsumerInstalled = errors.New("event consumer already installed")

// InitConsumer installs h as the process-wide event consumer.
func InitConsumer(h Handler) error {
	consumerMu.Lock()
	defer consumerMu.Unlock()
	if consumer != nil {
		return ErrConsumerInstalled
	}
	consumer = h
	return nil
}

// Consumer returns the installed consumer, or nil if none is installed.
func Consumer() Handler {
	consumerMu.Lock()
	defer consumerMu.Unlock()
	return consumer
}

// ShutdownConsumer clears the process-wide consumer.
func ShutdownConsumer() {
	consumerMu.Lock()
	defer consumerMu.Unlock()
	consumer = nil
}

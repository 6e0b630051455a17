// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumerLifecycle(t *testing.T) {
	t.Cleanup(ShutdownConsumer)

	require.Nil(t, Consumer())

	h := &recordingHandler{}
	require.NoError(t, InitConsumer(h))
	assert.Same(t, Handler(h), Consumer())

	// A second install is rejected until shutdown.
	require.ErrorIs(t, InitConsumer(&recordingHandler{}), ErrConsumerInstalled)

	ShutdownConsumer()
	assert.Nil(t, Consumer())
	require.NoError(t, InitConsumer(h))
}

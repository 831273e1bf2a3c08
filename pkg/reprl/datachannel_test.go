// Copyright 2024 reprl project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package reprl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataChannel(t *testing.T) {
	dc, err := createDataChannel()
	require.NoError(t, err)
	defer dc.destroy()

	assert.Len(t, dc.mem, maxDataSize)
	assert.Nil(t, dc.contents(), "fresh channel has no content")

	// Writes through the descriptor advance the shared offset that
	// contents() uses as the length.
	_, err = dc.file.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), dc.contents())

	// The mapping observes descriptor writes and vice versa.
	assert.Equal(t, byte('h'), dc.mem[0])
	dc.mem[0] = 'j'
	assert.Equal(t, []byte("jello"), dc.contents())

	require.NoError(t, dc.reset())
	assert.Nil(t, dc.contents(), "reset rewinds the content length to zero")

	_, err = dc.file.Write([]byte("again"))
	require.NoError(t, err)
	assert.Equal(t, []byte("again"), dc.contents())
}

func TestDataChannelDestroy(t *testing.T) {
	dc, err := createDataChannel()
	require.NoError(t, err)
	dc.destroy()
	dc.destroy() // second destroy is a no-op

	var nilChannel *dataChannel
	nilChannel.destroy()
	assert.Nil(t, nilChannel.contents())
	assert.NoError(t, nilChannel.reset())
	assert.NoError(t, nilChannel.truncate())
}

package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameLayout(t *testing.T) {
	msg := EncodeFrame("abc", []byte{1, 2, 3, 4})
	assert.Equal(t, []byte{0xBF, 3, 0, 0, 0, 'a', 'b', 'c', 1, 2, 3, 4}, msg)

	id, frame, err := DecodeFrame(msg)
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
	assert.Equal(t, []byte{1, 2, 3, 4}, frame)
}

func TestDecodeFrameRejectsMalformed(t *testing.T) {
	for name, msg := range map[string][]byte{
		"empty":        nil,
		"short header": {0xBF, 1, 0},
		"wrong marker": {0xBE, 0, 0, 0, 0},
		"id overflows": {0xBF, 9, 0, 0, 0, 'a'},
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := DecodeFrame(msg)
			assert.ErrorIs(t, err, ErrBadFrame)
		})
	}
}

func TestParseClientMessage(t *testing.T) {
	tests := []struct {
		in      string
		want    ClientMessage
		wantErr error
	}{
		{in: `{"type":"ping"}`, want: ClientMessage{Type: TypePing}},
		{in: `{"type":"subscribe","sessionId":"s1"}`, want: ClientMessage{Type: TypeSubscribe, SessionID: "s1"}},
		{in: `{"type":"unsubscribe","sessionId":"s1"}`, want: ClientMessage{Type: TypeUnsubscribe, SessionID: "s1"}},
		{in: `{"type":"resync","sessionId":"s1"}`, want: ClientMessage{Type: TypeResync, SessionID: "s1"}},
		{in: `{"type":"subscribe"}`, wantErr: ErrMissingSession},
		{in: `{"type":"input","sessionId":"s1"}`, wantErr: ErrUnknownMessage},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseClientMessage([]byte(tt.in))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := parseClientMessage([]byte("nope"))
	assert.Error(t, err)
}

func TestPeek(t *testing.T) {
	typ, id := peek([]byte(`{"type":"history","sessionId":"s9","payload":{"events":[]}}`))
	assert.Equal(t, TypeHistory, typ)
	assert.Equal(t, "s9", id)

	typ, id = peek([]byte(`garbage`))
	assert.Empty(t, typ)
	assert.Empty(t, id)
}

package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Client messages
// ---------------------------------------------------------------------------

func TestParseClientMessage_Register(t *testing.T) {
	input := []byte(`{"type":"register","name":"Anna","age":21,"gender":"female","photo":"data:image/png;base64,AAAA"}`)

	msgType, msg, err := ParseClientMessage(input)
	require.NoError(t, err)
	assert.Equal(t, TypeRegister, msgType)

	reg, ok := msg.(RegisterMsg)
	require.True(t, ok, "expected RegisterMsg, got %T", msg)
	assert.Equal(t, "Anna", reg.Name)
	assert.Equal(t, 21, reg.Age)
	assert.Equal(t, "female", reg.Gender)
	assert.NotEmpty(t, reg.Photo)
}

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
		want     ClientMessage
	}{
		{"start_search", `{"type":"start_search","mood":"sad"}`, TypeStartSearch, StartSearchMsg{Type: TypeStartSearch, Mood: "sad"}},
		{"cancel_search", `{"type":"cancel_search"}`, TypeCancelSearch, CancelSearchMsg{Type: TypeCancelSearch}},
		{"message", `{"type":"message","text":"hi"}`, TypeMessage, ChatMsg{Type: TypeMessage, Text: "hi"}},
		{"typing", `{"type":"typing","is_typing":true}`, TypeTyping, TypingMsg{Type: TypeTyping, IsTyping: true}},
		{"leave", `{"type":"leave"}`, TypeLeave, LeaveMsg{Type: TypeLeave}},
		{"ping", `{"type":"ping"}`, TypePing, PingMsg{Type: TypePing}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			require.NoError(t, err)
			assert.Equal(t, tc.wantType, msgType)
			assert.Equal(t, tc.want, msg)
		})
	}
}

func TestParseClientMessage_Malformed(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"invalid json", `{invalid json}`, ""},
		{"missing type", `{"data":"no type field"}`, ""},
		{"unknown type", `{"type":"rate_conversation","rating":5}`, "rate_conversation"},
		{"wrong field type", `{"type":"register","age":"old"}`, TypeRegister},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			assert.ErrorIs(t, err, ErrMalformed)
			assert.Nil(t, msg)
			assert.Equal(t, tc.wantType, msgType)
		})
	}
}

func TestParseClientMessage_Invalid(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"underage", `{"type":"register","name":"Kid","age":17,"gender":"male"}`},
		{"no name", `{"type":"register","name":"  ","age":30,"gender":"male"}`},
		{"long name", `{"type":"register","name":"` + strings.Repeat("я", MaxNameChars+1) + `","age":30,"gender":"male"}`},
		{"bad gender", `{"type":"register","name":"Sam","age":30,"gender":"other"}`},
		{"no mood", `{"type":"start_search"}`},
		{"empty text", `{"type":"message","text":""}`},
		{"too many chars", `{"type":"message","text":"` + strings.Repeat("a", MaxTextChars+1) + `"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, msg, err := ParseClientMessage([]byte(tc.input))
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Nil(t, msg)
		})
	}
}

func TestValidateText(t *testing.T) {
	assert.NoError(t, ValidateText("привет"))
	assert.NoError(t, ValidateText(strings.Repeat("a", MaxTextChars)))

	// 1500 two-byte runes are within the char limit but over the byte limit.
	assert.ErrorIs(t, ValidateText(strings.Repeat("я", 2100)), ErrInvalid)
	assert.ErrorIs(t, ValidateText(string([]byte{0xff, 0xfe})), ErrInvalid)
}

// ---------------------------------------------------------------------------
// Server messages
// ---------------------------------------------------------------------------

func TestNewServerMessage_Paired(t *testing.T) {
	payload := PairedMsg{
		SessionID: "room_1700000000000_abcd1234",
		Mood:      "listen",
		MoodLabel: "Ready to listen",
		Partner:   ProfileView{Name: "Anna", Age: 21, Gender: "female", TrustScore: 75},
	}

	data, err := NewServerMessage(TypePaired, payload)
	require.NoError(t, err)

	var decoded PairedMsg
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, TypePaired, decoded.Type)
	assert.Equal(t, payload.SessionID, decoded.SessionID)
	assert.Equal(t, payload.Partner, decoded.Partner)
}

func TestNewServerMessage_OverridesType(t *testing.T) {
	data, err := NewServerMessage(TypePong, PongMsg{Type: "something else"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong"}`, string(data))
}

func TestNewServerMessage_NilPayload(t *testing.T) {
	data, err := NewServerMessage(TypePong, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong"}`, string(data))
}

func TestNewServerMessage_RejectsNonObject(t *testing.T) {
	_, err := NewServerMessage(TypePong, []int{1, 2})
	assert.Error(t, err)
}

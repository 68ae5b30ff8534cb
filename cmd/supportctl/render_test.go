package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/whisper/support-desk/internal/session"
)

func TestFormatMessage(t *testing.T) {
	m := session.Message{ID: "m1", Seq: 1, Sender: session.SenderAdmin, Kind: session.KindText, Text: "Refund issued", Timestamp: time.Now()}
	out := formatMessage(m)
	assert.Contains(t, out, "agent")
	assert.Contains(t, out, "Refund issued")
}

func TestPrintSessions(t *testing.T) {
	now := time.Now()
	var buf bytes.Buffer
	printSessions(&buf, []session.Summary{
		{ID: "s1", Status: session.StatusPendingAdmin, MessageCount: 3, UserEmail: "user@example.com", LastActivity: now.Add(-time.Minute)},
		{ID: "s2", Status: session.StatusActive, AssignedAdminID: "alice", MessageCount: 7, LastActivity: now},
	}, now)

	out := buf.String()
	assert.Contains(t, out, "s1")
	assert.Contains(t, out, "pending_admin")
	assert.Contains(t, out, "user@example.com")
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "1m0s ago")
}

func TestPrintSessions_Empty(t *testing.T) {
	var buf bytes.Buffer
	printSessions(&buf, nil, time.Now())
	assert.Equal(t, "No sessions.\n", buf.String())
}

func TestPrintTranscript(t *testing.T) {
	var buf bytes.Buffer
	printTranscript(&buf, &session.ChatSession{
		ID:              "s1",
		Status:          session.StatusActive,
		AssignedAdminID: "alice",
		Messages: []session.Message{
			{ID: "m1", Seq: 1, Sender: session.SenderUser, Kind: session.KindText, Text: "help", Timestamp: time.Now()},
		},
	})
	out := buf.String()
	assert.Contains(t, out, "s1")
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "help")
}

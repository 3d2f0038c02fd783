package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	titles   []string
	messages []string
	err      error
}

func (f *fakeSender) Notify(_ context.Context, title, message string) error {
	f.titles = append(f.titles, title)
	f.messages = append(f.messages, message)
	return f.err
}

func TestSendEnabled(t *testing.T) {
	sender := &fakeSender{}
	svc := NewService(true, sender)

	svc.Send(context.Background(), "Title", "Body")

	require.Len(t, sender.titles, 1)
	assert.Equal(t, "Title", sender.titles[0])
	assert.Equal(t, "Body", sender.messages[0])
}

func TestSendDisabled(t *testing.T) {
	sender := &fakeSender{}
	svc := NewService(false, sender)

	svc.Send(context.Background(), "Title", "Body")

	assert.Empty(t, sender.titles)
}

func TestSendSwallowsErrors(t *testing.T) {
	sender := &fakeSender{err: errors.New("supervisor down")}
	svc := NewService(true, sender)

	// Must not panic or propagate.
	svc.Send(context.Background(), "Title", "Body")

	require.Len(t, sender.titles, 1)
}

func TestRebootRequiredMessage(t *testing.T) {
	msg := RebootRequiredMessage("16.0")
	assert.Contains(t, msg, "version 16.0")
	assert.Contains(t, msg, "reboot is required")

	msg = RebootRequiredMessage("")
	assert.Contains(t, msg, "Update installed successfully.")
}

func TestInstallFailedMessage(t *testing.T) {
	assert.Contains(t, InstallFailedMessage(errors.New("boom")), "boom")
}

package utils

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubNotifier struct {
	got []Message
	err error
}

func (s *stubNotifier) Send(_ context.Context, msg Message) (string, error) {
	s.got = append(s.got, msg)
	return "stub-receipt", s.err
}

func TestChannelNotifierRoutes(t *testing.T) {
	email := &stubNotifier{}
	sms := &stubNotifier{err: errors.New("carrier down")}
	n := NewChannelNotifier(map[string]Notifier{
		ChannelEmail: email,
		ChannelSMS:   sms,
		ChannelPush:  nil,
	})
	ctx := context.Background()

	receipt, err := n.Send(ctx, Message{Channel: ChannelEmail, To: "ada@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "stub-receipt", receipt)
	assert.Len(t, email.got, 1)

	_, err = n.Send(ctx, Message{Channel: ChannelSMS, To: "+15550100"})
	assert.EqualError(t, err, "carrier down")
	assert.Len(t, sms.got, 1)

	_, err = n.Send(ctx, Message{Channel: ChannelPush})
	assert.ErrorIs(t, err, ErrNoProvider)

	_, err = n.Send(ctx, Message{Channel: "fax"})
	assert.ErrorIs(t, err, ErrNoProvider)
}

func TestLogNotifier(t *testing.T) {
	logger, hook := test.NewNullLogger()
	n := &LogNotifier{Logger: logger}

	receipt, err := n.Send(context.Background(), Message{Channel: ChannelSMS, To: "+15550100", Subject: "hi"})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, "+15550100", entry.Data["to"])
	assert.Equal(t, receipt, entry.Data["receipt"])
}

func TestIsEmailCapable(t *testing.T) {
	tests := []struct {
		name string
		addr *string
		want bool
	}{
		{"nil", nil, false},
		{"blank", Pointer("   "), false},
		{"missing at", Pointer("ada.example.com"), false},
		{"missing domain", Pointer("ada@"), false},
		{"valid", Pointer("ada@example.com"), true},
		{"valid with spaces", Pointer(" ada@example.com "), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsEmailCapable(tt.addr))
		})
	}
}

package notification

import (
	"context"
	"encoding/base64"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// FCMSender delivers push notifications through Firebase Cloud Messaging.
type FCMSender struct {
	client *messaging.Client
}

// NewFCMSender builds a sender from a service account file or, when file is
// empty, from base64-encoded service account JSON.
func NewFCMSender(ctx context.Context, credentialsFile, credentialsBase64 string) (*FCMSender, error) {
	var opt option.ClientOption
	switch {
	case credentialsFile != "":
		opt = option.WithCredentialsFile(credentialsFile)
	case credentialsBase64 != "":
		raw, err := base64.StdEncoding.DecodeString(credentialsBase64)
		if err != nil {
			return nil, fmt.Errorf("decode fcm credentials: %w", err)
		}
		opt = option.WithCredentialsJSON(raw)
	default:
		return nil, fmt.Errorf("fcm credentials are not configured")
	}

	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("get messaging client: %w", err)
	}
	return &FCMSender{client: client}, nil
}

func (s *FCMSender) SendPush(ctx context.Context, token, title, body string, data map[string]string) error {
	_, err := s.client.Send(ctx, buildMessage(token, title, body, data))
	if err != nil {
		return fmt.Errorf("fcm send: %w", err)
	}
	return nil
}

// buildMessage marks pushes high priority so arrival prompts wake the device.
func buildMessage(token, title, body string, data map[string]string) *messaging.Message {
	return &messaging.Message{
		Token: token,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				Sound:     "default",
				ChannelID: "emergency_updates",
			},
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": "10"},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{Sound: "default"},
			},
		},
	}
}

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pantrylab/cartsync/internal/devices"
)

const (
	fcmSendEndpoint   = "https://fcm.googleapis.com/fcm/send"
	fcmRequestTimeout = 10 * time.Second
)

// FCMPusher delivers messages through the FCM legacy HTTP API. Web push
// subscriptions are registered with FCM as well, so both platforms go through
// the same endpoint.
type FCMPusher struct {
	serverKey  string
	endpoint   string
	httpClient *http.Client
}

// NewFCMPusher constructs a pusher authorized by the given server key.
func NewFCMPusher(serverKey string, httpClient *http.Client) (*FCMPusher, error) {
	if serverKey == "" {
		return nil, fmt.Errorf("notify: fcm server key is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: fcmRequestTimeout}
	}
	return &FCMPusher{serverKey: serverKey, endpoint: fcmSendEndpoint, httpClient: httpClient}, nil
}

type fcmRequest struct {
	To           string          `json:"to"`
	Notification fcmNotification `json:"notification"`
	Data         fcmData         `json:"data"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmData struct {
	ListID     string `json:"list_id"`
	ItemID     string `json:"item_id"`
	ChangeType string `json:"change_type"`
	URL        string `json:"url"`
}

type fcmResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		Error string `json:"error"`
	} `json:"results"`
}

// Push implements Pusher. Token errors FCM reports as permanent are mapped to
// ErrTokenInvalid so the caller prunes them.
func (p *FCMPusher) Push(ctx context.Context, token devices.DeviceToken, msg Message) error {
	payload, err := json.Marshal(fcmRequest{
		To: token.Token,
		Notification: fcmNotification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: fcmData{
			ListID:     msg.Data.ListID,
			ItemID:     msg.Data.ItemID,
			ChangeType: msg.Data.ChangeType,
			URL:        msg.Data.URL,
		},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+p.serverKey)

	response, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusOK:
	case response.StatusCode == http.StatusNotFound || response.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: status %d", ErrTokenInvalid, response.StatusCode)
	default:
		return fmt.Errorf("fcm request returned status %d", response.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, 1<<16))
	if err != nil {
		return err
	}
	var parsed fcmResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return err
	}
	if parsed.Failure == 0 {
		return nil
	}
	for _, result := range parsed.Results {
		switch result.Error {
		case "NotRegistered", "InvalidRegistration", "MismatchSenderId":
			return fmt.Errorf("%w: %s", ErrTokenInvalid, result.Error)
		case "":
			continue
		default:
			return fmt.Errorf("fcm delivery error: %s", result.Error)
		}
	}
	return fmt.Errorf("fcm reported %d failed deliveries", parsed.Failure)
}

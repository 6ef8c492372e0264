package logic

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/sirupsen/logrus"
)

// %%%%%%%%%%%%%%%%%%%%%%%%%%% Utils for user_manager.go %%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%

// genRandomPW returns a random URL-safe password.
func genRandomPW() string {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		logrus.Fatal(err)
	}
	return base64.URLEncoding.EncodeToString(b)
}

// %%%%%%%%%%%%%%%%%%%%%%%%%%% Utils for driver_manager.go %%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%%

// retainedPublisher is the part of the event publisher device states use.
type retainedPublisher interface {
	PublishRetained(topic string, payload []byte) error
}

// publishWithBackoff retries a retained publish with exponential backoff.
// It gives up after maxRetries attempts or when stop is closed.
func publishWithBackoff(pub retainedPublisher, topic string, payload []byte, maxRetries int, backoff time.Duration, stop <-chan struct{}) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		if err = pub.PublishRetained(topic, payload); err == nil {
			return nil
		}
		select {
		case <-time.After(backoff):
		case <-stop:
			return err
		}
		backoff *= 2
	}
	logrus.Errorf("DM: failed to publish %s after %d retries: %v", topic, maxRetries, err)
	return err
}

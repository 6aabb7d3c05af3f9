package config

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
	"google.golang.org/api/option"
)

// QualityCheckEventMessage is the payload published for quality-check lifecycle events.
type QualityCheckEventMessage struct {
	ID              int       `json:"id"`
	EventType       string    `json:"event_type"`
	QualityCheckId  string    `json:"quality_check_id"`
	PurchaseOrderId string    `json:"purchase_order_id"`
	OccurredAt      time.Time `json:"occurred_at"`
	Payload         []byte    `json:"payload"`
	CorrelationId   string    `json:"correlation_id"`
}

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

func init() {
	// Load env from .env
	godotenv.Load()
}

func getPubSubProjectID() string {
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	return os.Getenv("GCP_PROJECT")
}

// QualityCheckTopic is the topic conversion events are published to.
func QualityCheckTopic() string {
	return os.Getenv("PUBSUB_TOPIC_QC")
}

// PubSubEnabled reports whether enough env is present to publish at all.
func PubSubEnabled() bool {
	return getPubSubProjectID() != "" && QualityCheckTopic() != ""
}

// getPubSubClient returns the shared client. It does not retry: the outbox dispatcher
// already retries publishes with backoff.
func getPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if pubsubClient != nil {
		return pubsubClient, nil
	}

	projectID := getPubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}

	var (
		c   *pubsub.Client
		err error
	)
	if credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON"); credJSON != "" {
		c, err = pubsub.NewClient(ctx, projectID, option.WithCredentialsJSON([]byte(credJSON)))
	} else {
		// Application Default Credentials.
		c, err = pubsub.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, err
	}
	pubsubClient = c
	log.Printf("pubsub client ready (project_id=%s)", projectID)
	return pubsubClient, nil
}

// PublishQualityCheckEvent publishes and returns the Pub/Sub server-assigned message ID.
func PublishQualityCheckEvent(ctx context.Context, msg QualityCheckEventMessage) (string, error) {
	topicName := QualityCheckTopic()
	if topicName == "" {
		return "", errors.New("PUBSUB_TOPIC_QC is required")
	}
	client, err := getPubSubClient(ctx)
	if err != nil {
		return "", err
	}

	msgJSON, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	result := client.Topic(topicName).Publish(ctx, &pubsub.Message{
		Data: msgJSON,
		Attributes: map[string]string{
			"event_type":        msg.EventType,
			"purchase_order_id": msg.PurchaseOrderId,
		},
	})
	return result.Get(ctx)
}

func ClosePubSub() {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if pubsubClient != nil {
		_ = pubsubClient.Close()
		pubsubClient = nil
	}
}

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
)

// CloudTasksMailer hands mail delivery to Google Cloud Tasks: each Send
// enqueues one HTTP task that POSTs the message to the mail relay. The queue
// supplies retry with exponential backoff and a dead-letter queue, so a relay
// outage never loses a notification.
type CloudTasksMailer struct {
	client    *cloudtasks.Client
	queuePath string
	relayURL  string
	logger    *log.Logger
}

// NewCloudTasksMailer connects to the Cloud Tasks queue identified by
// projectID, locationID and queueID. relayURL is the HTTP endpoint that
// performs the actual SMTP delivery.
func NewCloudTasksMailer(projectID, locationID, queueID, relayURL string) (*CloudTasksMailer, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	m := &CloudTasksMailer{
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		relayURL:  relayURL,
		logger:    log.New(log.Writer(), "[CLOUD-TASKS] ", log.LstdFlags),
	}
	m.logger.Printf("Connected to Cloud Tasks queue: %s", m.queuePath)
	return m, nil
}

// Send enqueues the message. Delivery is asynchronous from here on; a nil
// return means the task is durably queued, not that the mail went out.
func (m *CloudTasksMailer) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req := &taskspb.CreateTaskRequest{
		Parent: m.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        m.relayURL,
					Headers:    map[string]string{"Content-Type": "application/json"},
					Body:       payload,
				},
			},
		},
	}

	task, err := m.client.CreateTask(ctx, req)
	if err != nil {
		return fmt.Errorf("enqueue mail task: %w", err)
	}
	m.logger.Printf("Enqueued mail to %s (task=%s)", msg.To, task.GetName())
	return nil
}

// Close shuts down the Cloud Tasks client.
func (m *CloudTasksMailer) Close() error {
	return m.client.Close()
}

var _ Mailer = (*CloudTasksMailer)(nil)

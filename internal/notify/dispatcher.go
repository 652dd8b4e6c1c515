package notify

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/proofmeet/backend/internal/events"
	"github.com/proofmeet/backend/internal/monitoring"
	"github.com/proofmeet/backend/internal/store"
)

const (
	deliveryRetries = 3
	deliveryTimeout = 10 * time.Second
)

// Dispatcher delivers messages through a background worker pool and turns
// card.issued bus events into participant confirmation mail.
type Dispatcher struct {
	mailer       Mailer
	participants store.ParticipantStore
	queue        chan *mailJob
	metrics      *monitoring.Metrics
	logger       *log.Logger
	wg           sync.WaitGroup
}

type mailJob struct {
	msg     Message
	attempt int
}

// NewDispatcher starts a dispatcher with the given worker count. metrics may
// be nil.
func NewDispatcher(mailer Mailer, participants store.ParticipantStore, workers int, metrics *monitoring.Metrics) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		mailer:       mailer,
		participants: participants,
		queue:        make(chan *mailJob, 1000),
		metrics:      metrics,
		logger:       log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Enqueue queues one message for delivery. A full queue drops the message
// with a log line rather than blocking the caller.
func (d *Dispatcher) Enqueue(msg Message) {
	select {
	case d.queue <- &mailJob{msg: msg, attempt: 1}:
	default:
		d.logger.Printf("Mail queue full, dropping message to %s", msg.To)
	}
}

// ListenCardIssued consumes card.issued events from the bus and mails the
// participant a confirmation. Blocking; callers run it in a goroutine and
// cancel the context on shutdown.
func (d *Dispatcher) ListenCardIssued(ctx context.Context, bus *events.EventBus) {
	ch := bus.Subscribe(events.TypeCardIssued)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			d.confirmCard(ctx, ev)
		}
	}
}

func (d *Dispatcher) confirmCard(ctx context.Context, ev *events.CloudEvent) {
	participantID, _ := ev.Data["participant_id"].(string)
	cardNumber, _ := ev.Data["card_number"].(string)
	verdict, _ := ev.Data["verdict"].(string)
	if participantID == "" {
		return
	}

	participant, err := d.participants.GetParticipant(ctx, participantID)
	if err != nil {
		d.logger.Printf("Card confirmation: participant %s: %v", participantID, err)
		return
	}
	d.Enqueue(Message{
		To:      participant.Email,
		Subject: fmt.Sprintf("Court Card %s issued", cardNumber),
		Body: fmt.Sprintf("Hello %s,\n\nYour attendance has been recorded and Court Card %s was issued with verdict %s.\n",
			participant.FullName(), cardNumber, verdict),
	})
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *mailJob) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	err := d.mailer.Send(ctx, job.msg)
	cancel()
	if err == nil {
		if d.metrics != nil {
			d.metrics.MailDeliveries.WithLabelValues("sent").Inc()
		}
		return
	}

	if d.metrics != nil {
		d.metrics.MailDeliveries.WithLabelValues("failed").Inc()
	}
	d.logger.Printf("Mail to %s failed (attempt %d): %v", job.msg.To, job.attempt, err)
	if job.attempt < deliveryRetries {
		time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
		job.attempt++
		select {
		case d.queue <- job:
		default:
		}
	}
}

// Shutdown drains the queue and stops the workers.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}

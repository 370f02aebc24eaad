// Package cashledger публикует факты движения наличных во внешнюю кассовую
// книгу. Ядро не ведёт остатки кассы само: оно лишь сообщает о событиях.
package cashledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Направления движения средств.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

const producerName = "deposit-system"

// Movement описывает один факт движения наличных.
type Movement struct {
	Direction   string    `json:"direction"`
	AmountCents int64     `json:"amount_cents"`
	Method      string    `json:"method"`
	Reference   string    `json:"reference"`
	OccurredAt  time.Time `json:"occurred_at"`
	Producer    string    `json:"producer"`
}

// OrderReference формирует ссылку на заказ для кассовой книги.
func OrderReference(orderID int64) string {
	return fmt.Sprintf("order:%d", orderID)
}

// SaleReference формирует ссылку на продажу для кассовой книги.
func SaleReference(saleID int64) string {
	return fmt.Sprintf("sale:%d", saleID)
}

// Producer асинхронно пишет события в Kafka. Публикация не блокирует
// кассовую операцию: сообщения копятся в буфере и отправляются фоновой
// горутиной. Кассовая книга — вторичный журнал: при переполнении буфера
// или остановке продюсера событие отбрасывается, а не задерживает кассу.
type Producer struct {
	w       *kafka.Writer
	inbox   chan kafka.Message
	closeCh chan struct{}

	mu     sync.Mutex
	closed bool
}

// NewProducer создаёт продюсер кассовой книги для указанных брокеров и топика.
func NewProducer(brokers []string, topic string, buf int) *Producer {
	return &Producer{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        true,
		},
		inbox:   make(chan kafka.Message, buf),
		closeCh: make(chan struct{}),
	}
}

// Start запускает фоновую отправку. При отмене контекста приём новых
// сообщений прекращается, остаток буфера дописывается, затем соединение
// закрывается.
func (p *Producer) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				p.mu.Lock()
				p.closed = true
				close(p.inbox)
				p.mu.Unlock()

				for m := range p.inbox {
					_ = p.w.WriteMessages(context.Background(), m)
				}
				_ = p.w.Close()
				close(p.closeCh)
				return
			case m := <-p.inbox:
				_ = p.w.WriteMessages(context.Background(), m)
			}
		}
	}()
}

// Publish ставит факт движения средств в очередь отправки. Ключ партиции —
// ссылка на заказ или продажу, чтобы события одной сущности шли по порядку.
// После остановки продюсера и при заполненном буфере событие отбрасывается.
func (p *Producer) Publish(m Movement) {
	if m.OccurredAt.IsZero() {
		m.OccurredAt = time.Now()
	}
	m.Producer = producerName

	b, err := json.Marshal(m)
	if err != nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	select {
	case p.inbox <- kafka.Message{
		Key:   []byte(m.Reference),
		Value: b,
		Time:  m.OccurredAt,
	}:
	default:
	}
}

// WaitClosed блокируется до завершения фоновой горутины.
func (p *Producer) WaitClosed() { <-p.closeCh }

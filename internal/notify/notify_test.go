package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gafsiahmed/biblio-managment-system/internal/lending"
)

func sample() lending.Notification {
	return lending.Notification{
		ID:        "01HX0000000000000000000000",
		Kind:      lending.NotifyReservationAvailable,
		Recipient: "bob",
		Payload:   map[string]any{"title": "Dune", "expiry_date": "2024-03-03T10:00:00Z"},
		CreatedAt: time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC),
	}
}

func producerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	return cfg
}

func TestKafkaPublishesEncodedNotification(t *testing.T) {
	producer := mocks.NewSyncProducer(t, producerConfig())
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got lending.Notification
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		if got.Kind != lending.NotifyReservationAvailable || got.Recipient != "bob" {
			return errors.New("unexpected notification body")
		}
		return nil
	})

	k := NewKafkaWithProducer(producer, "", zap.NewNop())
	require.NoError(t, k.Notify(context.Background(), sample()))
	require.NoError(t, k.Close())
}

func TestKafkaRetriesThenGivesUp(t *testing.T) {
	producer := mocks.NewSyncProducer(t, producerConfig())
	boom := errors.New("broker unavailable")
	producer.ExpectSendMessageAndFail(boom)
	producer.ExpectSendMessageAndFail(boom)
	producer.ExpectSendMessageAndFail(boom)

	core, logs := observer.New(zap.WarnLevel)
	k := NewKafkaWithProducer(producer, "biblio.test", zap.New(core))
	k.baseDelay = time.Millisecond

	err := k.Notify(context.Background(), sample())
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 3, logs.FilterMessage("kafka publish failed").Len())
	require.NoError(t, k.Close())
}

func TestKafkaRecoversOnRetry(t *testing.T) {
	producer := mocks.NewSyncProducer(t, producerConfig())
	producer.ExpectSendMessageAndFail(errors.New("leader not available"))
	producer.ExpectSendMessageAndSucceed()

	k := NewKafkaWithProducer(producer, "biblio.test", zap.NewNop())
	k.baseDelay = time.Millisecond
	require.NoError(t, k.Notify(context.Background(), sample()))
	require.NoError(t, k.Close())
}

func TestLogNotifierWritesFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	require.NoError(t, NewLog(zap.New(core)).Notify(context.Background(), sample()))

	entries := logs.FilterMessage("notification").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "bob", fields["recipient"])
	assert.Equal(t, string(lending.NotifyReservationAvailable), fields["kind"])
}

func TestFanoutDeliversToAll(t *testing.T) {
	var delivered []string
	ok := lending.NotifierFunc(func(_ context.Context, n lending.Notification) error {
		delivered = append(delivered, n.Recipient)
		return nil
	})
	failing := lending.NotifierFunc(func(context.Context, lending.Notification) error {
		return errors.New("smtp down")
	})

	err := Fanout{failing, ok, nil}.Notify(context.Background(), sample())
	require.Error(t, err)
	assert.Equal(t, []string{"bob"}, delivered)

	require.NoError(t, Fanout{ok}.Notify(context.Background(), sample()))
}

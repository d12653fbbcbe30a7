package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"carbonmarket/apperr"
	"carbonmarket/models"
	"carbonmarket/notify"

	"github.com/stretchr/testify/require"
)

type recordingStore struct {
	mu    sync.Mutex
	saved []models.Notification
	err   error
}

func (s *recordingStore) CreateNotification(ctx context.Context, n models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, n)
	return nil
}

type published struct {
	subject string
	data    []byte
}

type recordingPublisher struct {
	mu  sync.Mutex
	got []published
}

func (p *recordingPublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, published{subject: subject, data: data})
	return nil
}

func TestEmitter_DeliversAndPublishes(t *testing.T) {
	store := &recordingStore{}
	pub := &recordingPublisher{}
	e := notify.NewEmitter(store, pub, nil, 8)
	e.Start()

	require.NoError(t, e.Enqueue(context.Background(), "buyer-1", "Purchase completed", "You bought 30 credits"))
	require.NoError(t, e.Enqueue(context.Background(), "seller-1", "Credits sold", "30 credits sold"))
	e.Close()

	require.Len(t, store.saved, 2)
	require.Equal(t, models.NotificationUnread, store.saved[0].Status)
	require.NotEmpty(t, store.saved[0].ID)

	require.Len(t, pub.got, 2)
	require.Equal(t, "notifications.buyer-1", pub.got[0].subject)
	var n models.Notification
	require.NoError(t, json.Unmarshal(pub.got[0].data, &n))
	require.Equal(t, "Purchase completed", n.Subject)
}

func TestEmitter_StoreFailureStillPublishes(t *testing.T) {
	store := &recordingStore{err: errors.New("db down")}
	pub := &recordingPublisher{}
	e := notify.NewEmitter(store, pub, nil, 1)
	e.Start()

	require.NoError(t, e.Enqueue(context.Background(), "u", "s", "m"))
	e.Close()
	require.Len(t, pub.got, 1)
}

func TestEmitter_NilPublisher(t *testing.T) {
	store := &recordingStore{}
	e := notify.NewEmitter(store, nil, nil, 1)
	e.Start()
	require.NoError(t, e.Enqueue(context.Background(), "u", "s", "m"))
	e.Close()
	require.Len(t, store.saved, 1)
}

func TestEmitter_QueueFullDrops(t *testing.T) {
	e := notify.NewEmitter(&recordingStore{}, nil, nil, 1)

	require.NoError(t, e.Enqueue(context.Background(), "u", "first", "m"))
	err := e.Enqueue(context.Background(), "u", "second", "m")
	require.Error(t, err)
	require.Equal(t, apperr.KindNotification, apperr.KindOf(err))

	e.Start()
	e.Close()
}

func TestEmitter_ClosedRejects(t *testing.T) {
	e := notify.NewEmitter(&recordingStore{}, nil, nil, 1)
	e.Start()
	e.Close()
	e.Close()

	err := e.Enqueue(context.Background(), "u", "s", "m")
	require.Equal(t, apperr.KindNotification, apperr.KindOf(err))
}

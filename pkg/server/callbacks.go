package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ble-central/pkg/central"
)

// CallbackData is the body of POST /callbacks.
type CallbackData struct {
	Url string `json:"url"`
}

// CallbackResponseData is POSTed to every registered callback for each notification.
type CallbackResponseData struct {
	PeripheralID   string    `json:"peripheral_id"`
	Service        string    `json:"service"`
	Characteristic string    `json:"characteristic"`
	Data           string    `json:"data"` // hex, not decoded
	ReceivedAt     time.Time `json:"received_at"`
}

// Callbacks forwards raw notifications to registered webhook URLs.
// A callback answering anything but 200 is removed.
type Callbacks struct {
	client *http.Client
	log    logrus.FieldLogger

	mu   sync.Mutex
	urls map[string]string
	wg   sync.WaitGroup
}

func NewCallbacks(timeout time.Duration, log logrus.FieldLogger) *Callbacks {
	return &Callbacks{
		client: &http.Client{Timeout: timeout},
		log:    log.WithField("component", "callbacks"),
		urls:   make(map[string]string),
	}
}

func (cb *Callbacks) Add(url string) string {
	id := uuid.New().String()

	cb.mu.Lock()
	cb.urls[id] = url
	cb.mu.Unlock()

	cb.log.WithField("callback", id).Infof("Registered callback %s", url)
	return id
}

func (cb *Callbacks) Remove(id string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if _, ok := cb.urls[id]; !ok {
		return false
	}
	delete(cb.urls, id)
	return true
}

func (cb *Callbacks) Len() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return len(cb.urls)
}

// OnNotification is registered on the controller. It never blocks the event loop.
func (cb *Callbacks) OnNotification(n central.Notification) {
	cb.mu.Lock()
	targets := make(map[string]string, len(cb.urls))
	for id, u := range cb.urls {
		targets[id] = u
	}
	cb.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	body, err := json.Marshal(CallbackResponseData{
		PeripheralID:   string(n.Peripheral),
		Service:        n.Service,
		Characteristic: n.Characteristic,
		Data:           n.Hex(),
		ReceivedAt:     n.ReceivedAt,
	})
	if err != nil {
		cb.log.Errorf("error encoding notification: %s", err)
		return
	}

	for id, u := range targets {
		cb.wg.Add(1)
		go func(id, u string) {
			defer cb.wg.Done()
			cb.send(id, u, body)
		}(id, u)
	}
}

func (cb *Callbacks) send(id, url string, body []byte) {
	log := cb.log.WithField("callback", id)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		log.Errorf("error building callback request: %s", err)
		cb.Remove(id)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := cb.client.Do(req)
	if err != nil {
		log.Warnf("error calling callback: %s", err)
		return
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		log.Warnf("Callback result unsuccessful: %d, removing it", res.StatusCode)
		cb.Remove(id)
		return
	}

	log.Debugf("Callback at %s called successfully", url)
}

// Wait blocks until in-flight deliveries are done.
func (cb *Callbacks) Wait() {
	cb.wg.Wait()
}

func (cb *Callbacks) String() string {
	return fmt.Sprintf("<Callbacks %d>", cb.Len())
}

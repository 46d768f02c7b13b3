package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"rcmon/config"
	"rcmon/erc"
	"rcmon/logging"
	"rcmon/monitor"
)

// StatusMessage is the JSON structure produced on the status topic.
type StatusMessage struct {
	Controller string         `json:"controller"`
	Online     bool           `json:"online"`
	State      string         `json:"state"`
	Code       erc.StatusCode `json:"code"`
	Phase      erc.Phase      `json:"phase,omitempty"`
	Countdown  int            `json:"countdown,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// NewStatusMessage builds the status record for st.
func NewStatusMessage(st monitor.Status) StatusMessage {
	return StatusMessage{
		Controller: st.Name,
		Online:     st.State == monitor.StateConnected,
		State:      st.State.String(),
		Code:       st.Code,
		Phase:      st.Phase,
		Countdown:  st.Countdown,
		Error:      st.LastError,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
}

// statusKey identifies a status for change detection. The timestamp is
// excluded.
func statusKey(m StatusMessage) string {
	return fmt.Sprintf("%s|%s|%s|%d|%s", m.State, m.Code, m.Phase, m.Countdown, m.Error)
}

// publishJob represents a pending Kafka publish operation.
type publishJob struct {
	producer *Producer
	topic    string
	key      []byte
	payload  []byte
	cacheKey string // empty for snapshots
	value    string
}

// cluster pairs a producer with its optional control consumer.
type cluster struct {
	producer *Producer
	consumer *Consumer
}

// Manager manages multiple Kafka clusters.
type Manager struct {
	clusters   map[string]*cluster
	mu         sync.RWMutex
	lastValues map[string]string // cluster/controller -> last status key
	lastMu     sync.RWMutex

	controlHandler ControlHandler

	// Worker pool for bounded publish goroutines
	publishQueue chan publishJob
	wg           sync.WaitGroup
	stopChan     chan struct{}
	started      bool
}

// MaxPublishWorkers is the maximum number of concurrent publish goroutines.
const MaxPublishWorkers = 4

// MaxPublishQueueSize is the maximum number of pending publish jobs.
const MaxPublishQueueSize = 1000

// NewManager creates a new Kafka manager.
func NewManager() *Manager {
	return &Manager{
		clusters:     make(map[string]*cluster),
		lastValues:   make(map[string]string),
		publishQueue: make(chan publishJob, MaxPublishQueueSize),
		stopChan:     make(chan struct{}),
	}
}

// startWorkers starts the publish worker goroutines.
func (m *Manager) startWorkers() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	queue, stop := m.publishQueue, m.stopChan
	m.mu.Unlock()

	for i := 0; i < MaxPublishWorkers; i++ {
		m.wg.Add(1)
		go m.publishWorker(queue, stop)
	}
}

// publishWorker processes publish jobs from the queue.
func (m *Manager) publishWorker(queue <-chan publishJob, stop <-chan struct{}) {
	defer m.wg.Done()

	for {
		select {
		case <-stop:
			return
		case job := <-queue:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := job.producer.ProduceWithRetry(ctx, job.topic, job.key, job.payload)
			cancel()
			if err != nil {
				logKafka("Failed to publish to %s: %v", job.topic, err)
				continue
			}
			if job.cacheKey != "" {
				m.updateLastValue(job.cacheKey, job.value)
			}
		}
	}
}

// AddCluster adds a cluster. Adding a name twice is a no-op.
func (m *Manager) AddCluster(cfg *config.KafkaConfig, ns string) *Producer {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, exists := m.clusters[cfg.Name]; exists {
		return c.producer
	}
	c := &cluster{producer: NewProducer(cfg, ns)}
	if cfg.EnableControl {
		c.consumer = NewConsumer(c.producer)
		c.consumer.SetControlHandler(m.controlHandler)
	}
	m.clusters[cfg.Name] = c
	return c.producer
}

// RemoveCluster removes a cluster and disconnects it.
func (m *Manager) RemoveCluster(name string) bool {
	m.mu.Lock()
	c, exists := m.clusters[name]
	delete(m.clusters, name)
	m.mu.Unlock()

	if !exists {
		return false
	}
	c.stop()
	return true
}

func (c *cluster) stop() {
	if c.consumer != nil {
		c.consumer.Stop()
	}
	c.producer.Disconnect()
}

// GetProducer returns the producer for the named cluster.
func (m *Manager) GetProducer(name string) *Producer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.clusters[name]; ok {
		return c.producer
	}
	return nil
}

// Produce sends one message through the named cluster's producer,
// retrying per the cluster's settings.
func (m *Manager) Produce(ctx context.Context, clusterName, topic string, key, value []byte) error {
	p := m.GetProducer(clusterName)
	if p == nil {
		return fmt.Errorf("kafka cluster %q not found", clusterName)
	}
	if p.GetStatus() != StatusConnected {
		return fmt.Errorf("kafka cluster %q: %w", clusterName, ErrNotConnected)
	}
	return p.ProduceWithRetry(ctx, topic, key, value)
}

// ListClusters returns all cluster names, sorted.
func (m *Manager) ListClusters() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.clusters))
	for name := range m.clusters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) snapshot() []*cluster {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*cluster, 0, len(m.clusters))
	for _, c := range m.clusters {
		out = append(out, c)
	}
	return out
}

// Connect connects the named cluster and starts its control consumer.
func (m *Manager) Connect(name string) error {
	m.mu.RLock()
	c, exists := m.clusters[name]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("kafka cluster not found: %s", name)
	}

	m.startWorkers()
	if err := c.producer.Connect(); err != nil {
		return err
	}
	if c.consumer != nil {
		if err := c.consumer.Start(); err != nil {
			logKafka("Control consumer for %s failed to start: %v", name, err)
		}
	}
	return nil
}

// ConnectEnabled connects every enabled cluster in the background.
func (m *Manager) ConnectEnabled() {
	for _, c := range m.snapshot() {
		if !c.producer.Config().Enabled {
			continue
		}
		name := c.producer.Name()
		go func() {
			if err := m.Connect(name); err != nil {
				logKafka("Connect %s: %v", name, err)
			}
		}()
	}
}

// StopAll stops the publish workers and disconnects every cluster.
func (m *Manager) StopAll() {
	m.mu.Lock()
	wasStarted := m.started
	oldStop := m.stopChan
	if wasStarted {
		m.stopChan = make(chan struct{})
		m.publishQueue = make(chan publishJob, MaxPublishQueueSize)
		m.started = false
	}
	m.mu.Unlock()

	if wasStarted {
		close(oldStop)
		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			logKafka("Timeout waiting for publish workers to stop")
		}
	}

	for _, c := range m.snapshot() {
		c.stop()
	}
}

// GetClusterStatus returns the status of a specific cluster.
func (m *Manager) GetClusterStatus(name string) (ConnectionStatus, error) {
	p := m.GetProducer(name)
	if p == nil {
		return StatusDisconnected, fmt.Errorf("cluster not found")
	}
	return p.GetStatus(), p.GetError()
}

// LoadFromConfig adds every configured cluster.
func (m *Manager) LoadFromConfig(configs []config.KafkaConfig, ns string) {
	for i := range configs {
		m.AddCluster(&configs[i], ns)
	}
}

// SetControlHandler sets the control handler on every control consumer.
func (m *Manager) SetControlHandler(handler ControlHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controlHandler = handler
	for _, c := range m.clusters {
		if c.consumer != nil {
			c.consumer.SetControlHandler(handler)
		}
	}
}

func logKafka(format string, args ...interface{}) {
	logging.DebugLog("kafka", format, args...)
}

func logConsumer(format string, args ...interface{}) {
	logging.DebugLog("kafka", "[Consumer] "+format, args...)
}

// enqueue queues a job, dropping it when the queue is full.
func (m *Manager) enqueue(job publishJob) bool {
	m.mu.RLock()
	queue := m.publishQueue
	m.mu.RUnlock()
	select {
	case queue <- job:
		return true
	default:
		logKafka("Publish queue full, dropping message for %s", job.topic)
		return false
	}
}

// PublishSnapshot queues a snapshot on every connected cluster, keyed by
// controller name so a controller's snapshots stay in one partition.
func (m *Manager) PublishSnapshot(snap erc.Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	for _, c := range m.snapshot() {
		p := c.producer
		if p.GetStatus() != StatusConnected {
			continue
		}
		m.enqueue(publishJob{
			producer: p,
			topic:    p.Namespace().KafkaStateTopic(),
			key:      []byte(snap.Controller),
			payload:  payload,
		})
	}
}

// PublishStatus queues a status record on every connected cluster. Only
// changed statuses are produced unless force is true.
func (m *Manager) PublishStatus(st monitor.Status, force bool) {
	msg := NewStatusMessage(st)
	value := statusKey(msg)
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}

	for _, c := range m.snapshot() {
		p := c.producer
		if p.GetStatus() != StatusConnected {
			continue
		}
		cacheKey := p.Name() + "/" + st.Name
		if !m.shouldPublish(cacheKey, value, force) {
			continue
		}
		m.enqueue(publishJob{
			producer: p,
			topic:    p.Namespace().KafkaStatusTopic(),
			key:      []byte(st.Name),
			payload:  payload,
			cacheKey: cacheKey,
			value:    value,
		})
	}
}

// AnyPublishing returns true if any cluster is connected.
func (m *Manager) AnyPublishing() bool {
	for _, c := range m.snapshot() {
		if c.producer.GetStatus() == StatusConnected {
			return true
		}
	}
	return false
}

// ClearLastValues clears the change tracking cache, forcing republish of
// every status.
func (m *Manager) ClearLastValues() {
	m.lastMu.Lock()
	m.lastValues = make(map[string]string)
	m.lastMu.Unlock()
}

func (m *Manager) updateLastValue(key, value string) {
	m.lastMu.Lock()
	m.lastValues[key] = value
	m.lastMu.Unlock()
}

func (m *Manager) shouldPublish(key, value string, force bool) bool {
	if force {
		return true
	}
	m.lastMu.RLock()
	last, exists := m.lastValues[key]
	m.lastMu.RUnlock()
	return !exists || last != value
}

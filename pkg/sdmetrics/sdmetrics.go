// Package sdmetrics wraps the VictoriaMetrics counters/histograms shared by
// the transport and protocol engine packages, following the lazily
// initialized apiMetrics pattern from pkg/api/api0/metrics.go: metrics are
// grouped in a struct keyed by result label so a typo is a compile error, not
// a silently-missing metric.
package sdmetrics

import (
	"io"
	"sync"

	"github.com/VictoriaMetrics/metrics"
)

// Metrics holds every counter/histogram exported by the broker daemon and
// the client library. A single instance is shared across IpcServer/IpcClient
// and SdServer/SdClient for one process.
type Metrics struct {
	set *metrics.Set

	connectionsAcceptedTotal *metrics.Counter
	connectionsClosedTotal   struct {
		Default, Shutdown, AbnormalClose, ClientNotRegistered *metrics.Counter
	}
	connectAttemptsTotal struct {
		Success, Failure *metrics.Counter
	}
	reconnectsTotal *metrics.Counter

	messagesReceivedTotal struct {
		Init, OfferService, ListenService, StopListenService, StopOfferService, Unknown *metrics.Counter
	}
	messagesSentTotal struct {
		Init, OfferService, ListenService, StopListenService, StopOfferService *metrics.Counter
	}

	protocolViolationsTotal struct {
		BadInit, AlreadyRegistered, Corrupted, UnexpectedMessage *metrics.Counter
	}

	fanOutSize *metrics.Histogram

	sendBufferFullTotal *metrics.Counter
}

var (
	initOnce sync.Once
	shared   *Metrics
)

// Shared returns the process-wide Metrics instance, constructing it on first
// use.
func Shared() *Metrics {
	initOnce.Do(func() {
		m := &Metrics{set: metrics.NewSet()}

		m.connectionsAcceptedTotal = m.set.NewCounter(`ipcsd_connections_accepted_total`)
		m.connectionsClosedTotal.Default = m.set.NewCounter(`ipcsd_connections_closed_total{cause="default"}`)
		m.connectionsClosedTotal.Shutdown = m.set.NewCounter(`ipcsd_connections_closed_total{cause="shutdown"}`)
		m.connectionsClosedTotal.AbnormalClose = m.set.NewCounter(`ipcsd_connections_closed_total{cause="abnormal_close"}`)
		m.connectionsClosedTotal.ClientNotRegistered = m.set.NewCounter(`ipcsd_connections_closed_total{cause="not_registered"}`)

		m.connectAttemptsTotal.Success = m.set.NewCounter(`ipcsd_client_connect_attempts_total{result="success"}`)
		m.connectAttemptsTotal.Failure = m.set.NewCounter(`ipcsd_client_connect_attempts_total{result="failure"}`)
		m.reconnectsTotal = m.set.NewCounter(`ipcsd_client_reconnects_total`)

		m.messagesReceivedTotal.Init = m.set.NewCounter(`ipcsd_messages_received_total{tag="init"}`)
		m.messagesReceivedTotal.OfferService = m.set.NewCounter(`ipcsd_messages_received_total{tag="offer_service"}`)
		m.messagesReceivedTotal.ListenService = m.set.NewCounter(`ipcsd_messages_received_total{tag="listen_service"}`)
		m.messagesReceivedTotal.StopListenService = m.set.NewCounter(`ipcsd_messages_received_total{tag="stop_listen_service"}`)
		m.messagesReceivedTotal.StopOfferService = m.set.NewCounter(`ipcsd_messages_received_total{tag="stop_offer_service"}`)
		m.messagesReceivedTotal.Unknown = m.set.NewCounter(`ipcsd_messages_received_total{tag="unknown"}`)

		m.messagesSentTotal.Init = m.set.NewCounter(`ipcsd_messages_sent_total{tag="init"}`)
		m.messagesSentTotal.OfferService = m.set.NewCounter(`ipcsd_messages_sent_total{tag="offer_service"}`)
		m.messagesSentTotal.ListenService = m.set.NewCounter(`ipcsd_messages_sent_total{tag="listen_service"}`)
		m.messagesSentTotal.StopListenService = m.set.NewCounter(`ipcsd_messages_sent_total{tag="stop_listen_service"}`)
		m.messagesSentTotal.StopOfferService = m.set.NewCounter(`ipcsd_messages_sent_total{tag="stop_offer_service"}`)

		m.protocolViolationsTotal.BadInit = m.set.NewCounter(`ipcsd_protocol_violations_total{cause="bad_init"}`)
		m.protocolViolationsTotal.AlreadyRegistered = m.set.NewCounter(`ipcsd_protocol_violations_total{cause="already_registered"}`)
		m.protocolViolationsTotal.Corrupted = m.set.NewCounter(`ipcsd_protocol_violations_total{cause="corrupted"}`)
		m.protocolViolationsTotal.UnexpectedMessage = m.set.NewCounter(`ipcsd_protocol_violations_total{cause="unexpected_message"}`)

		m.fanOutSize = m.set.NewHistogram(`ipcsd_fanout_size`)

		m.sendBufferFullTotal = m.set.NewCounter(`ipcsd_send_buffer_full_total`)

		shared = m
	})
	return shared
}

func (m *Metrics) ConnectionAccepted()          { m.connectionsAcceptedTotal.Inc() }
func (m *Metrics) ConnectAttempt(ok bool) {
	if ok {
		m.connectAttemptsTotal.Success.Inc()
	} else {
		m.connectAttemptsTotal.Failure.Inc()
	}
}
func (m *Metrics) Reconnect()          { m.reconnectsTotal.Inc() }
func (m *Metrics) SendBufferFull()     { m.sendBufferFullTotal.Inc() }
func (m *Metrics) FanOut(subscribers int) { m.fanOutSize.Update(float64(subscribers)) }

// CloseCause identifies why a connection closed, for the
// ipcsd_connections_closed_total counter.
type CloseCause int

const (
	CauseDefault CloseCause = iota
	CauseShutdown
	CauseAbnormalClose
	CauseClientNotRegistered
)

func (m *Metrics) ConnectionClosed(c CloseCause) {
	switch c {
	case CauseShutdown:
		m.connectionsClosedTotal.Shutdown.Inc()
	case CauseAbnormalClose:
		m.connectionsClosedTotal.AbnormalClose.Inc()
	case CauseClientNotRegistered:
		m.connectionsClosedTotal.ClientNotRegistered.Inc()
	default:
		m.connectionsClosedTotal.Default.Inc()
	}
}

// MessageTag is a wire.MessageID rebound here to avoid an import cycle
// between sdmetrics and wire (neither owns the other).
type MessageTag byte

const (
	TagInit MessageTag = iota + 1
	TagOfferService
	TagListenService
	TagStopListenService
	TagStopOfferService
	TagUnknown
)

func (m *Metrics) MessageReceived(tag MessageTag) {
	switch tag {
	case TagInit:
		m.messagesReceivedTotal.Init.Inc()
	case TagOfferService:
		m.messagesReceivedTotal.OfferService.Inc()
	case TagListenService:
		m.messagesReceivedTotal.ListenService.Inc()
	case TagStopListenService:
		m.messagesReceivedTotal.StopListenService.Inc()
	case TagStopOfferService:
		m.messagesReceivedTotal.StopOfferService.Inc()
	default:
		m.messagesReceivedTotal.Unknown.Inc()
	}
}

func (m *Metrics) MessageSent(tag MessageTag) {
	switch tag {
	case TagInit:
		m.messagesSentTotal.Init.Inc()
	case TagOfferService:
		m.messagesSentTotal.OfferService.Inc()
	case TagListenService:
		m.messagesSentTotal.ListenService.Inc()
	case TagStopListenService:
		m.messagesSentTotal.StopListenService.Inc()
	case TagStopOfferService:
		m.messagesSentTotal.StopOfferService.Inc()
	}
}

// ProtocolViolationCause labels the ipcsd_protocol_violations_total counter.
type ProtocolViolationCause int

const (
	ViolationBadInit ProtocolViolationCause = iota
	ViolationAlreadyRegistered
	ViolationCorrupted
	ViolationUnexpectedMessage
)

func (m *Metrics) ProtocolViolation(c ProtocolViolationCause) {
	switch c {
	case ViolationAlreadyRegistered:
		m.protocolViolationsTotal.AlreadyRegistered.Inc()
	case ViolationCorrupted:
		m.protocolViolationsTotal.Corrupted.Inc()
	case ViolationUnexpectedMessage:
		m.protocolViolationsTotal.UnexpectedMessage.Inc()
	default:
		m.protocolViolationsTotal.BadInit.Inc()
	}
}

// WritePrometheus writes every metric in m in Prometheus text format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}

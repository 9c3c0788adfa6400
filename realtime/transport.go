package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

// frames are utf8 json envelopes. an empty message is a keepalive ping.

type ChannelTransportSettings struct {
	WsHandshakeTimeout   time.Duration
	AuthTimeout          time.Duration
	PingTimeout          time.Duration
	WriteTimeout         time.Duration
	ReadTimeout          time.Duration
	SendBufferSize       int
	ReceiveBufferSize    int
	MaxReconnectAttempts int
	ReconnectMinDelay    time.Duration
	ReconnectMaxDelay    time.Duration
}

func DefaultChannelTransportSettings() *ChannelTransportSettings {
	return &ChannelTransportSettings{
		WsHandshakeTimeout:   2 * time.Second,
		AuthTimeout:          2 * time.Second,
		PingTimeout:          1 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadTimeout:          15 * time.Second,
		SendBufferSize:       32,
		ReceiveBufferSize:    32,
		MaxReconnectAttempts: 8,
		ReconnectMinDelay:    500 * time.Millisecond,
		ReconnectMaxDelay:    15 * time.Second,
	}
}

type ChannelAuth struct {
	ByJwt      string
	InstanceId Id
	AppVersion string
}

func (self *ChannelAuth) ActorId() (Id, error) {
	spaceAuth, err := ParseSpaceAuthUnverified(self.ByJwt)
	if err != nil {
		return Id{}, err
	}
	return spaceAuth.ActorId, nil
}

// ChannelTransport owns one authenticated duplex channel to the sync server.
// `Connect` performs the first dial and auth handshake synchronously so the
// caller can fail fast on a bad credential. After that the transport keeps
// the channel alive across drops with bounded exponential reconnect, and
// surfaces every state change to registered callbacks. The send and receive
// channels are stable across reconnects.
type ChannelTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	channelUrl string
	auth       *ChannelAuth

	settings *ChannelTransportSettings

	send    chan []byte
	receive chan *Envelope

	stateLock sync.Mutex
	state     ConnectionState
	actorId   Id
	sentCount int64

	stateCallbacks *CallbackList[func(ConnectionState)]
}

func NewChannelTransportWithDefaults(
	ctx context.Context,
	channelUrl string,
	auth *ChannelAuth,
) *ChannelTransport {
	return NewChannelTransport(
		ctx,
		channelUrl,
		auth,
		DefaultChannelTransportSettings(),
	)
}

func NewChannelTransport(
	ctx context.Context,
	channelUrl string,
	auth *ChannelAuth,
	settings *ChannelTransportSettings,
) *ChannelTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ChannelTransport{
		ctx:            cancelCtx,
		cancel:         cancel,
		channelUrl:     channelUrl,
		auth:           auth,
		settings:       settings,
		send:           make(chan []byte, settings.SendBufferSize),
		receive:        make(chan *Envelope, settings.ReceiveBufferSize),
		state:          ConnectionStateDisconnected,
		stateCallbacks: NewCallbackList[func(ConnectionState)](),
	}
}

// Connect dials the channel and runs the auth handshake before returning.
// ErrAuthRejected is fatal and closes the transport. ErrChannelUnavailable
// is transient and leaves the transport reusable for another Connect.
func (self *ChannelTransport) Connect() error {
	self.setState(ConnectionStateConnecting)

	var ws *websocket.Conn
	var err error
	if glog.V(2) {
		ws, err = TraceWithReturnError(
			fmt.Sprintf("[t]connect %s", self.channelUrl),
			self.connect,
		)
	} else {
		ws, err = self.connect()
	}
	if err != nil {
		if errors.Is(err, ErrAuthRejected) {
			self.setState(ConnectionStateFailed)
			self.cancel()
			return err
		}
		self.setState(ConnectionStateDisconnected)
		return fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}

	self.setState(ConnectionStateConnected)
	go self.run(ws)
	return nil
}

// one dial and auth handshake attempt
func (self *ChannelTransport) connect() (*websocket.Conn, error) {
	authBytes, err := EncodeEnvelope(&Auth{
		ByJwt:      self.auth.ByJwt,
		InstanceId: self.auth.InstanceId,
		AppVersion: self.auth.AppVersion,
	})
	if err != nil {
		return nil, err
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, self.channelUrl, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, authBytes); err != nil {
		return nil, err
	}
	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, message, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}

	envelope, err := DecodeEnvelope(message)
	if err != nil {
		return nil, err
	}
	if envelope.Event != EventAuthResult {
		return nil, fmt.Errorf("auth response error: %s", envelope.Event)
	}
	payload, err := envelope.Decode()
	if err != nil {
		return nil, err
	}
	authResult := payload.(*AuthResult)
	if authResult.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrAuthRejected, authResult.Error)
	}

	self.stateLock.Lock()
	self.actorId = authResult.ActorId
	self.stateLock.Unlock()

	success = true
	return ws, nil
}

func (self *ChannelTransport) run(ws *websocket.Conn) {
	defer func() {
		self.cancel()
		if self.State() != ConnectionStateFailed {
			self.setState(ConnectionStateDisconnected)
		}
	}()

	actorId, _ := self.auth.ActorId()

	for {
		if ws == nil {
			self.setState(ConnectionStateReconnecting)

			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = self.settings.ReconnectMinDelay
			eb.MaxInterval = self.settings.ReconnectMaxDelay
			// the attempt count is the bound, not elapsed time
			eb.MaxElapsedTime = 0
			eb.Reset()

			for i := 0; i < self.settings.MaxReconnectAttempts; i += 1 {
				select {
				case <-self.ctx.Done():
					return
				case <-time.After(eb.NextBackOff()):
				}

				var err error
				if glog.V(2) {
					ws, err = TraceWithReturnError(
						fmt.Sprintf("[t]reconnect %s", actorId),
						self.connect,
					)
				} else {
					ws, err = self.connect()
				}
				if err == nil {
					break
				}
				if errors.Is(err, ErrAuthRejected) {
					glog.Infof("[t]auth rejected %s = %s\n", actorId, err)
					self.setState(ConnectionStateFailed)
					return
				}
				glog.Infof("[t]reconnect error %s = %s\n", actorId, err)
				ws = nil
			}
			if ws == nil {
				glog.Infof("[t]reconnect attempts exhausted %s\n", actorId)
				self.setState(ConnectionStateFailed)
				return
			}

			self.setState(ConnectionStateConnected)
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case message, ok := <-self.send:
						if !ok {
							return
						}

						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
							// note that for websocket a deadline timeout cannot be recovered
							glog.Infof("[ts]%s-> error = %s\n", actorId, err)
							return
						}
						glog.V(2).Infof("[ts]%s->\n", actorId)
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
							return
						}
					}
				}
			}()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					default:
					}

					ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
					_, message, err := ws.ReadMessage()
					if err != nil {
						glog.Infof("[tr]%s<- error = %s\n", actorId, err)
						return
					}

					if 0 == len(message) {
						// ping
						glog.V(2).Infof("[tr]ping %s<-\n", actorId)
						continue
					}

					envelope, err := DecodeEnvelope(message)
					if err != nil {
						glog.Infof("[tr]decode error %s<- = %s\n", actorId, err)
						continue
					}

					select {
					case <-handleCtx.Done():
						return
					case self.receive <- envelope:
						glog.V(2).Infof("[tr]%s<- %s\n", actorId, envelope.Event)
					case <-time.After(self.settings.ReadTimeout):
						glog.Infof("[tr]drop %s<- %s\n", actorId, envelope.Event)
					}
				}
			}()

			select {
			case <-handleCtx.Done():
			}
		}
		if glog.V(2) {
			Trace(fmt.Sprintf("[t]run %s", actorId), c)
		} else {
			c()
		}

		ws = nil
		select {
		case <-self.ctx.Done():
			return
		default:
		}
	}
}

// Send encodes a payload and queues it on the channel. While reconnecting,
// sends buffer up to the send buffer size and flush once the channel is back.
func (self *ChannelTransport) Send(payload any) error {
	message, err := EncodeEnvelope(payload)
	if err != nil {
		return err
	}
	select {
	case <-self.ctx.Done():
		return ErrSessionClosed
	default:
	}
	select {
	case <-self.ctx.Done():
		return ErrSessionClosed
	case self.send <- message:
		self.stateLock.Lock()
		self.sentCount += 1
		self.stateLock.Unlock()
		return nil
	case <-time.After(self.settings.WriteTimeout):
		return fmt.Errorf("%w: send buffer full", ErrChannelUnavailable)
	}
}

func (self *ChannelTransport) Receive() <-chan *Envelope {
	return self.receive
}

func (self *ChannelTransport) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *ChannelTransport) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *ChannelTransport) ActorId() Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.actorId
}

// SentCount is the number of envelopes queued on the channel so far.
func (self *ChannelTransport) SentCount() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.sentCount
}

func (self *ChannelTransport) setState(state ConnectionState) {
	self.stateLock.Lock()
	if self.state == state {
		self.stateLock.Unlock()
		return
	}
	if self.state.Terminal() {
		self.stateLock.Unlock()
		return
	}
	self.state = state
	self.stateLock.Unlock()

	glog.Infof("[t]state %s\n", state)
	for _, stateCallback := range self.stateCallbacks.Get() {
		HandleError(func() {
			stateCallback(state)
		})
	}
}

// AddStateCallback registers a connection state listener and returns a
// function to remove it. The callback runs on the transport goroutine, so
// it must not block.
func (self *ChannelTransport) AddStateCallback(stateCallback func(ConnectionState)) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *ChannelTransport) Close() {
	self.cancel()
}

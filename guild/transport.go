package guild

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// connection state machine is:
// ConnectionStatusDisconnected
//
//	-> ConnectionStatusConnecting
//	  -> ConnectionStatusConnected
//	  -> ConnectionStatusRetrying -> ConnectionStatusConnecting
//	  -> ConnectionStatusOffline (terminal until an explicit `Reconnect`)
type ConnectionStatus string

const (
	ConnectionStatusDisconnected ConnectionStatus = "Disconnected"
	ConnectionStatusConnecting   ConnectionStatus = "Connecting"
	ConnectionStatusConnected    ConnectionStatus = "Connected"
	ConnectionStatusRetrying     ConnectionStatus = "Retrying"
	ConnectionStatusOffline      ConnectionStatus = "Offline"
)

func (self ConnectionStatus) IsTerminal() bool {
	switch self {
	case ConnectionStatusDisconnected, ConnectionStatusOffline:
		return true
	default:
		return false
	}
}

func (self ConnectionStatus) ordinal() int {
	switch self {
	case ConnectionStatusConnecting:
		return 1
	case ConnectionStatusConnected:
		return 2
	case ConnectionStatusRetrying:
		return 3
	case ConnectionStatusOffline:
		return 4
	default:
		return 0
	}
}

type ConnectionState struct {
	Status   ConnectionStatus
	Attempts int
	// the scheduled wait when `Status` is retrying
	NextDelay time.Duration
	LastError error
}

type FrameFunction = func(frame *Frame)

type ConnectionStateFunction = func(state ConnectionState)

// (ctx, url, header)
type WsDialContextFunction func(ctx context.Context, url string, header http.Header) (*websocket.Conn, *http.Response, error)

type TransportSettings struct {
	HandshakeTimeout time.Duration
	PingTimeout      time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	SendBufferSize   int
	Backoff          ReconnectBackoff
	WsDialContext    WsDialContextFunction
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		HandshakeTimeout: 5 * time.Second,
		PingTimeout:      15 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      45 * time.Second,
		SendBufferSize:   32,
		Backoff:          DefaultReconnectBackoff(),
	}
}

type ClientAuth struct {
	Jwt        string
	AppVersion string
}

// the user id is read from the session token when the caller does not provide one
func (self *ClientAuth) UserId() (string, error) {
	sessionJwt, err := ParseJwtUnverified(self.Jwt)
	if err != nil {
		return "", err
	}
	return sessionJwt.UserId, nil
}

// one persistent realtime connection per session.
// inbound frames fan out to the handlers registered for the frame type, in delivery order, on a single goroutine.
type Transport struct {
	ctx    context.Context
	cancel context.CancelFunc

	connectUrl string
	auth       *ClientAuth
	settings   *TransportSettings
	metrics    *Metrics

	stateLock sync.Mutex
	state     ConnectionState
	serverId  string
	userId    string
	runId     int
	runCancel context.CancelFunc
	// non-nil only while the connection is open
	send chan []byte

	handlersLock   sync.Mutex
	handlers       map[EventType]*CallbackList[FrameFunction]
	stateCallbacks *CallbackList[ConnectionStateFunction]
}

func NewTransportWithDefaults(ctx context.Context, connectUrl string, auth *ClientAuth) *Transport {
	return NewTransport(ctx, connectUrl, auth, DefaultTransportSettings(), nil)
}

func NewTransport(
	ctx context.Context,
	connectUrl string,
	auth *ClientAuth,
	settings *TransportSettings,
	metrics *Metrics,
) *Transport {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Transport{
		ctx:        cancelCtx,
		cancel:     cancel,
		connectUrl: connectUrl,
		auth:       auth,
		settings:   settings,
		metrics:    metrics,
		state: ConnectionState{
			Status: ConnectionStatusDisconnected,
		},
		handlers:       map[EventType]*CallbackList[FrameFunction]{},
		stateCallbacks: NewCallbackList[ConnectionStateFunction](),
	}
}

// opens the connection in the background. the `connected` frame is emitted on every successful open.
// an empty `userId` is read from the auth token.
func (self *Transport) Connect(serverId string, userId string) error {
	if userId == "" && self.auth != nil {
		var err error
		userId, err = self.auth.UserId()
		if err != nil {
			return fmt.Errorf("user id: %w", err)
		}
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.ctx.Err() != nil {
		return self.ctx.Err()
	}
	self.serverId = serverId
	self.userId = userId
	self.startRunWithLock()
	return nil
}

// explicit user triggered reconnection, e.g. after the automatic attempts were exhausted.
func (self *Transport) Reconnect() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.ctx.Err() != nil || self.serverId == "" {
		return
	}
	self.startRunWithLock()
}

// must be called with `stateLock`
func (self *Transport) startRunWithLock() {
	if self.runCancel != nil {
		self.runCancel()
	}
	self.runId += 1
	runCtx, runCancel := context.WithCancel(self.ctx)
	self.runCancel = runCancel
	self.send = nil
	go self.run(runCtx, self.runId, self.serverId, self.userId)
}

// stops the connection and pending reconnect timers, and revokes all handler registrations.
func (self *Transport) Disconnect() {
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.runCancel != nil {
			self.runCancel()
			self.runCancel = nil
		}
		self.runId += 1
		self.send = nil
		self.state = ConnectionState{
			Status:    ConnectionStatusDisconnected,
			LastError: self.state.LastError,
		}
	}()

	self.handlersLock.Lock()
	self.handlers = map[EventType]*CallbackList[FrameFunction]{}
	self.handlersLock.Unlock()

	self.notifyState(self.State())
	self.stateCallbacks.Clear()
}

func (self *Transport) Close() {
	self.Disconnect()
	self.cancel()
}

func (self *Transport) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *Transport) IsConnected() bool {
	return self.State().Status == ConnectionStatusConnected
}

// returns false and drops the frame when the connection is not open or the send buffer is full.
// callers that need delivery queue the intent themselves.
func (self *Transport) Send(eventType EventType, payload any) bool {
	frameBytes, err := EncodeFrame(eventType, payload)
	if err != nil {
		glog.Infof("[t]encode %s error = %s\n", eventType, err)
		return false
	}

	self.stateLock.Lock()
	send := self.send
	self.stateLock.Unlock()

	if send == nil {
		glog.V(1).Infof("[t]drop %s (not connected)\n", eventType)
		return false
	}
	select {
	case send <- frameBytes:
		return true
	default:
		glog.Infof("[t]drop %s (send buffer full)\n", eventType)
		return false
	}
}

// handlers for one type are independent of each other. the returned function removes the handler.
func (self *Transport) On(eventType EventType, handler FrameFunction) func() {
	self.handlersLock.Lock()
	callbacks, ok := self.handlers[eventType]
	if !ok {
		callbacks = NewCallbackList[FrameFunction]()
		self.handlers[eventType] = callbacks
	}
	self.handlersLock.Unlock()

	callbackId := callbacks.Add(handler)
	return func() {
		callbacks.Remove(callbackId)
	}
}

func (self *Transport) AddStateCallback(callback ConnectionStateFunction) func() {
	callbackId := self.stateCallbacks.Add(callback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *Transport) dispatch(frame *Frame) {
	self.handlersLock.Lock()
	callbacks, ok := self.handlers[frame.Type]
	self.handlersLock.Unlock()
	if !ok {
		glog.V(2).Infof("[t]no handler for %s\n", frame.Type)
		return
	}
	for _, handler := range callbacks.Get() {
		HandleError(func() {
			handler(frame)
		})
	}
}

func (self *Transport) notifyState(state ConnectionState) {
	self.metrics.ConnectionStatus(state.Status)
	for _, callback := range self.stateCallbacks.Get() {
		HandleError(func() {
			callback(state)
		})
	}
}

// applies the update only if `runId` is still the current run
func (self *Transport) updateState(runId int, update func(state *ConnectionState)) bool {
	var state ConnectionState
	ok := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.runId != runId {
			return false
		}
		update(&self.state)
		state = self.state
		return true
	}()
	if ok {
		self.notifyState(state)
	}
	return ok
}

func (self *Transport) setSend(runId int, send chan []byte) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.runId == runId {
		self.send = send
	}
}

func (self *Transport) url(serverId string, userId string) (string, error) {
	u, err := url.Parse(self.connectUrl)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("serverId", serverId)
	q.Set("userId", userId)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (self *Transport) dial(ctx context.Context, connectUrl string) (*websocket.Conn, error) {
	header := http.Header{}
	if self.auth != nil {
		if self.auth.Jwt != "" {
			header.Add("Authorization", fmt.Sprintf("Bearer %s", self.auth.Jwt))
		}
		if self.auth.AppVersion != "" {
			header.Add("User-Agent", self.auth.AppVersion)
		}
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, self.settings.HandshakeTimeout)
	defer dialCancel()

	var ws *websocket.Conn
	var err error
	if self.settings.WsDialContext != nil {
		ws, _, err = self.settings.WsDialContext(dialCtx, connectUrl, header)
	} else {
		dialer := &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: self.settings.HandshakeTimeout,
		}
		ws, _, err = dialer.DialContext(dialCtx, connectUrl, header)
	}
	if err != nil {
		return nil, err
	}
	return ws, nil
}

func (self *Transport) run(runCtx context.Context, runId int, serverId string, userId string) {
	connectUrl, err := self.url(serverId, userId)
	if err != nil {
		glog.Infof("[t]bad connect url %s = %s\n", self.connectUrl, err)
		self.updateState(runId, func(state *ConnectionState) {
			state.Status = ConnectionStatusOffline
			state.LastError = err
		})
		return
	}

	attempts := 0
	for {
		self.updateState(runId, func(state *ConnectionState) {
			state.Status = ConnectionStatusConnecting
			state.Attempts = attempts
			state.NextDelay = 0
		})

		var ws *websocket.Conn
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[t]connect %s", serverId), func() (*websocket.Conn, error) {
				return self.dial(runCtx, connectUrl)
			})
		} else {
			ws, err = self.dial(runCtx, connectUrl)
		}
		if runCtx.Err() != nil {
			if ws != nil {
				ws.Close()
			}
			return
		}

		if err == nil {
			attempts = 0
			err = self.handle(runCtx, runId, ws)
			if runCtx.Err() != nil {
				// requested close
				return
			}
		}
		glog.Infof("[t]connection lost %s = %v\n", serverId, err)

		if !self.settings.Backoff.CanRetry(attempts) {
			self.updateState(runId, func(state *ConnectionState) {
				state.Status = ConnectionStatusOffline
				state.Attempts = attempts
				state.NextDelay = 0
				state.LastError = fmt.Errorf("%w: %v", ErrConnectionLost, err)
			})
			glog.Infof("[t]offline %s after %d attempts\n", serverId, attempts)
			return
		}

		attempts += 1
		delay := self.settings.Backoff.Delay(attempts)
		self.metrics.ReconnectAttempt()
		self.updateState(runId, func(state *ConnectionState) {
			state.Status = ConnectionStatusRetrying
			state.Attempts = attempts
			state.NextDelay = delay
			state.LastError = fmt.Errorf("%w: %v", ErrConnectionLost, err)
		})

		select {
		case <-runCtx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// blocks until the connection closes. returns the cause.
func (self *Transport) handle(runCtx context.Context, runId int, ws *websocket.Conn) error {
	handleCtx, handleCancel := context.WithCancel(runCtx)
	defer handleCancel()

	go func() {
		<-handleCtx.Done()
		ws.Close()
	}()

	send := make(chan []byte, self.settings.SendBufferSize)

	self.setSend(runId, send)
	defer self.setSend(runId, nil)

	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	if !self.updateState(runId, func(state *ConnectionState) {
		state.Status = ConnectionStatusConnected
		state.Attempts = 0
		state.NextDelay = 0
		state.LastError = nil
	}) {
		return fmt.Errorf("superseded")
	}
	self.dispatch(&Frame{Type: EventConnected})

	var closeErr error
	var closeOnce sync.Once
	closeWith := func(err error) {
		closeOnce.Do(func() {
			closeErr = err
			handleCancel()
		})
	}

	go func() {
		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// a websocket write deadline cannot be recovered
					glog.Infof("[ts]-> error = %s\n", err)
					closeWith(err)
					return
				}
				glog.V(2).Infof("[ts]->\n")
			case <-time.After(self.settings.PingTimeout):
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(self.settings.WriteTimeout)); err != nil {
					closeWith(err)
					return
				}
			}
		}
	}()

	for {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			if handleCtx.Err() == nil {
				glog.Infof("[tr]<- error = %s\n", err)
			}
			closeWith(err)
			break
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				continue
			}
			frame, err := DecodeFrame(message)
			if err != nil {
				glog.Infof("[tr]drop <- %s\n", err)
				self.metrics.EventDropped("decode")
				continue
			}
			glog.V(2).Infof("[tr]<- %s\n", frame.Type)
			self.dispatch(frame)
		default:
			glog.V(2).Infof("[tr]other=%d<-\n", messageType)
		}
	}

	<-handleCtx.Done()
	return closeErr
}

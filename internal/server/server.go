// Package server exposes the simulator state over HTTP and pushes cycle
// updates to websocket clients.
package server

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"profmon-sim-go/internal/channels"
	"profmon-sim-go/internal/output"
	"profmon-sim-go/internal/processing"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10
)

// Deps are the read-side views the handlers serve. Any func may be nil.
type Deps struct {
	Table       *processing.Table
	Channels    *channels.Table
	Status      func() map[string]any
	Config      func() map[string]any
	SnapshotDir string
}

type Server struct {
	echo     *echo.Echo
	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]*sync.Mutex
	mu       sync.Mutex
	deps     Deps
	log      *logrus.Entry
}

func New(deps Deps) *Server {
	s := &Server{
		echo: echo.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*sync.Mutex),
		deps:    deps,
		log:     logrus.WithField("component", "server"),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{StackSize: 4 << 10}))

	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/config", s.handleConfig)
	s.echo.GET("/status", s.handleStatus)
	s.echo.GET("/devices", s.handleDevices)
	s.echo.GET("/devices/:name", s.handleDevice)
	s.echo.GET("/devices/:name/image", s.handleImage)
	s.echo.GET("/devices/:name/image.png", s.handleImagePNG)
	s.echo.POST("/devices/:name/save", s.handleSave)
	s.echo.GET("/channels", s.handleChannels)
	s.echo.GET("/channels/:name", s.handleChannel)
	s.echo.GET("/ws", s.handleWS)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves on bind until ctx is cancelled and relays messages to
// websocket clients.
func (s *Server) Run(ctx context.Context, bind string, messages <-chan any) error {
	httpServer := &http.Server{
		Addr:              bind,
		Handler:           s.echo,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	if messages != nil {
		go s.broadcast(ctx, messages)
	}

	s.log.WithField("bind", bind).Info("http server listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type errorBody struct {
	Error string `json:"error"`
}

func notFound(c echo.Context, what string) error {
	return c.JSON(http.StatusNotFound, errorBody{Error: what + " not found"})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func (s *Server) handleConfig(c echo.Context) error {
	payload := map[string]any{}
	if s.deps.Config != nil {
		payload = s.deps.Config()
	}
	return c.JSON(http.StatusOK, payload)
}

func (s *Server) handleStatus(c echo.Context) error {
	payload := map[string]any{}
	if s.deps.Status != nil {
		payload = s.deps.Status()
	}
	if metrics, ok := payload["metrics"].(map[string]any); ok {
		metrics["ws_clients"] = s.clientCount()
	} else {
		payload["ws_clients"] = s.clientCount()
	}
	return c.JSON(http.StatusOK, payload)
}

func (s *Server) handleDevices(c echo.Context) error {
	if s.deps.Table == nil {
		return c.JSON(http.StatusOK, []processing.Summary{})
	}
	return c.JSON(http.StatusOK, s.deps.Table.Summaries())
}

func (s *Server) handleDevice(c echo.Context) error {
	if s.deps.Table == nil {
		return notFound(c, "device")
	}
	summary, ok := s.deps.Table.Summary(c.Param("name"))
	if !ok {
		return notFound(c, "device")
	}
	return c.JSON(http.StatusOK, summary)
}

// lookupImage returns the device state or writes the error response.
func (s *Server) lookupImage(c echo.Context) (processing.DeviceState, bool, error) {
	if s.deps.Table == nil {
		return processing.DeviceState{}, false, notFound(c, "device")
	}
	st, ok := s.deps.Table.Snapshot(c.Param("name"))
	if !ok {
		return st, false, notFound(c, "device")
	}
	if st.LastImage == nil {
		return st, false, notFound(c, "image")
	}
	return st, true, nil
}

// handleImage returns raw little-endian uint16 pixels, or JSON with
// ?format=json.
func (s *Server) handleImage(c echo.Context) error {
	st, ok, err := s.lookupImage(c)
	if !ok {
		return err
	}
	g := st.Geometry
	if strings.EqualFold(c.QueryParam("format"), "json") {
		return c.JSON(http.StatusOK, map[string]any{
			"device":    g.DeviceName,
			"width":     g.ROIWidth,
			"height":    g.ROIHeight,
			"bit_depth": g.BitDepth,
			"cycle":     st.Cycle,
			"pixels":    st.LastImage,
		})
	}
	buf := make([]byte, 0, 2*len(st.LastImage))
	for _, v := range st.LastImage {
		buf = binary.LittleEndian.AppendUint16(buf, v)
	}
	h := c.Response().Header()
	h.Set("X-Image-Width", itoa(g.ROIWidth))
	h.Set("X-Image-Height", itoa(g.ROIHeight))
	h.Set("X-Bit-Depth", itoa(g.BitDepth))
	return c.Blob(http.StatusOK, echo.MIMEOctetStream, buf)
}

func (s *Server) handleImagePNG(c echo.Context) error {
	st, ok, err := s.lookupImage(c)
	if !ok {
		return err
	}
	var buf bytes.Buffer
	if err := output.EncodePNG(&buf, st.Geometry, st.LastImage); err != nil {
		s.log.WithError(err).WithField("device", st.Geometry.DeviceName).Error("png encode failed")
		return c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
	return c.Blob(http.StatusOK, "image/png", buf.Bytes())
}

// handleSave writes a PNG snapshot and bumps the device's SAVE_IMG channel.
func (s *Server) handleSave(c echo.Context) error {
	st, ok, err := s.lookupImage(c)
	if !ok {
		return err
	}
	path, err := output.WriteSnapshot(s.deps.SnapshotDir, st.Geometry, st.LastImage)
	if err != nil {
		s.log.WithError(err).Error("snapshot failed")
		return c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
	payload := map[string]any{"path": path}
	if s.deps.Channels != nil {
		count, err := s.deps.Channels.Increment(st.Geometry.DeviceName + ":" + channels.SuffixSaveImage)
		if err == nil {
			payload["saved"] = count
		}
	}
	return c.JSON(http.StatusCreated, payload)
}

func (s *Server) handleChannels(c echo.Context) error {
	if s.deps.Channels == nil {
		return c.JSON(http.StatusOK, []string{})
	}
	return c.JSON(http.StatusOK, s.deps.Channels.Names())
}

func (s *Server) handleChannel(c echo.Context) error {
	if s.deps.Channels == nil {
		return notFound(c, "channel")
	}
	v, ok := s.deps.Channels.Get(c.Param("name"))
	if !ok {
		return notFound(c, "channel")
	}
	return c.JSON(http.StatusOK, v)
}

func (s *Server) handleWS(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.mu.Lock()
	writeMu := &sync.Mutex{}
	s.clients[conn] = writeMu
	s.mu.Unlock()

	hello := map[string]any{"type": "config"}
	if s.deps.Config != nil {
		hello["config"] = s.deps.Config()
	}
	_ = s.writeJSON(conn, writeMu, hello)

	go func() {
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(pingEvery)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := s.writeMessage(conn, writeMu, websocket.PingMessage, nil); err != nil {
						_ = conn.Close()
						return
					}
				}
			}
		}()
		defer close(done)
		defer s.removeClient(conn)
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var request map[string]any
			if err := json.Unmarshal(payload, &request); err != nil {
				continue
			}
			if request["type"] == "snapshot_request" && s.deps.Table != nil {
				_ = s.writeJSON(conn, writeMu, map[string]any{
					"type":    "snapshot",
					"devices": s.deps.Table.Summaries(),
				})
			}
		}
	}()
	return nil
}

func (s *Server) broadcast(ctx context.Context, messages <-chan any) {
	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			payload, err := json.Marshal(message)
			if err != nil {
				continue
			}
			var stale []*websocket.Conn
			s.mu.Lock()
			for conn, writeMu := range s.clients {
				if err := s.writeMessage(conn, writeMu, websocket.TextMessage, payload); err != nil {
					stale = append(stale, conn)
				}
			}
			s.mu.Unlock()
			for _, conn := range stale {
				s.removeClient(conn)
			}
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) writeJSON(conn *websocket.Conn, writeMu *sync.Mutex, payload any) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(payload)
}

func (s *Server) writeMessage(conn *websocket.Conn, writeMu *sync.Mutex, messageType int, payload []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := false
	if v < 0 {
		neg = true
		v = -v
	}
	buf := make([]byte, 0, 12)
	for v > 0 {
		buf = append(buf, byte('0'+v%10))
		v /= 10
	}
	if neg {
		buf = append(buf, '-')
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return string(buf)
}

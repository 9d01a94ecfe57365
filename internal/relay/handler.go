package relay

import (
	"encoding/xml"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/eleven-am/call-relay/internal/callsession"
	"github.com/eleven-am/call-relay/internal/shared"
	"github.com/eleven-am/call-relay/internal/transport"
	"github.com/labstack/echo/v4"
)

type Handler struct {
	server *Server
}

func NewHandler(server *Server) *Handler {
	return &Handler{server: server}
}

func (h *Handler) RegisterStreamRoute(e *echo.Echo) {
	e.GET(h.server.cfg.StreamPath, h.server.HandleStream)
	e.POST("/v1/telephony/twiml", h.TwiML)
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/active", h.ListActive)
	g.POST("/:call_id/say", h.Say)
}

type twimlResponse struct {
	XMLName xml.Name     `xml:"Response"`
	Connect twimlConnect `xml:"Connect"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// TwiML answers the provider's voice webhook with instructions to open a
// media stream back to this relay. Call settings given as query or form
// values travel as stream parameters and come back in the start event.
func (h *Handler) TwiML(c echo.Context) error {
	host := h.server.cfg.PublicHost
	if host == "" {
		host = c.Request().Host
	}
	host = strings.TrimPrefix(strings.TrimPrefix(host, "https://"), "http://")

	params := map[string]string{}
	for _, key := range []string{transport.ParamAgentID, transport.ParamVoiceID, transport.ParamLanguage, transport.ParamFirstMessage} {
		if v := strings.TrimSpace(c.FormValue(key)); v != "" {
			params[key] = v
		}
	}
	if params[transport.ParamAgentID] == "" && h.server.cfg.Defaults.AgentID != "" {
		params[transport.ParamAgentID] = h.server.cfg.Defaults.AgentID
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	stream := twimlStream{URL: "wss://" + host + h.server.cfg.StreamPath}
	for _, k := range keys {
		stream.Parameters = append(stream.Parameters, twimlParameter{Name: k, Value: params[k]})
	}

	body, err := xml.Marshal(twimlResponse{Connect: twimlConnect{Stream: stream}})
	if err != nil {
		return shared.InternalError("twiml_failed", "failed to build twiml")
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationXMLCharsetUTF8, append([]byte(xml.Header), body...))
}

type sayRequest struct {
	Text string `json:"text"`
}

func (h *Handler) Say(c echo.Context) error {
	callID := c.Param("call_id")

	var req sayRequest
	if err := c.Bind(&req); err != nil {
		return shared.BadRequest("invalid_request", "invalid request body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return shared.BadRequest("missing_text", "text is required")
	}

	sess, err := h.server.registry.Resolve(callID)
	switch {
	case errors.Is(err, callsession.ErrSessionClosed):
		return shared.NotFound("call_ended", "call has ended")
	case err != nil:
		return shared.NotFound("call_not_found", "call not found")
	}

	if err := sess.SendText(c.Request().Context(), req.Text); err != nil {
		switch {
		case errors.Is(err, callsession.ErrNotStreaming):
			return shared.Conflict("not_streaming", err.Error())
		case errors.Is(err, callsession.ErrSessionClosed):
			return shared.NotFound("call_ended", "call has ended")
		default:
			h.server.log.Error("failed to send text", "call_id", callID, "error", err)
			return shared.InternalError("say_failed", "failed to send text")
		}
	}

	return c.JSON(http.StatusAccepted, map[string]string{"status": "queued"})
}

type activeResponse struct {
	Total    int                `json:"total"`
	Sessions []callsession.Info `json:"sessions"`
}

func (h *Handler) ListActive(c echo.Context) error {
	sessions := h.server.registry.Snapshot()
	return c.JSON(http.StatusOK, activeResponse{
		Total:    len(sessions),
		Sessions: sessions,
	})
}

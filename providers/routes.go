package providers

import (
	"encoding/json"

	"github.com/gofiber/fiber/v3"

	"github.com/orchestra-mcp/sse/src/types"
	"github.com/orchestra-mcp/sse/src/validation"
)

// RegisterRoutes registers the admin routes via Fiber. The stream endpoint
// itself is served by the raw fasthttp handler, since it needs
// SetBodyStreamWriter on the request context.
func (s *Server) RegisterRoutes(group fiber.Router) {
	group.Get("/sse/info", s.handleInfo)
	group.Get("/sse/connections", s.handleListConnections)
	group.Get("/sse/connections/:id", s.handleConnection)
	group.Delete("/sse/connections/:id", s.handleCloseConnection)
	group.Post("/sse/connections/:id/events", s.handleSendToConnection)
	group.Get("/sse/rooms", s.handleListRooms)
	group.Post("/sse/publish", s.handlePublish)
}

func (s *Server) handleInfo(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"sse":      true,
		"endpoint": s.cfg.Path,
		"node_id":  s.rooms.NodeID(),
		"adapter":  s.adapterName,
		"clients":  s.hub.Count(),
		"rooms":    len(s.rooms.AllRooms()),
	})
}

func (s *Server) handleListConnections(c fiber.Ctx) error {
	clients := s.service.GetConnectedClients()
	infos := make([]*types.ConnectionInfo, 0, len(clients))
	for _, id := range clients {
		info, err := s.service.GetClientInfo(id)
		if err == nil {
			infos = append(infos, info)
		}
	}
	return c.JSON(fiber.Map{
		"clients": infos,
		"count":   len(infos),
	})
}

func (s *Server) handleConnection(c fiber.Ctx) error {
	info, err := s.service.GetClientInfo(c.Params("id"))
	if err != nil {
		return errorJSON(c, fiber.StatusNotFound, err.Error())
	}
	return c.JSON(info)
}

func (s *Server) handleCloseConnection(c fiber.Ctx) error {
	if err := s.service.CloseClient(c.Params("id")); err != nil {
		return errorJSON(c, fiber.StatusNotFound, err.Error())
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleListRooms(c fiber.Ctx) error {
	counts := s.service.GetChannels()
	result := make([]fiber.Map, 0, len(counts))
	for _, name := range s.rooms.AllRooms() {
		result = append(result, fiber.Map{
			"room":    name,
			"members": counts[name],
		})
	}
	return c.JSON(fiber.Map{"rooms": result, "count": len(result)})
}

// publishRequest is the body of /sse/publish. An empty room reaches every
// connection and is recorded for replay.
type publishRequest struct {
	Room  string `json:"room"`
	Event string `json:"event" validate:"omitempty,max=128"`
	Data  any    `json:"data" validate:"required"`
}

var validatePublish = validation.Struct[publishRequest]()

func (s *Server) handlePublish(c fiber.Ctx) error {
	var req publishRequest
	if ok, err := decodeBody(c, &req); !ok {
		return err
	}

	var (
		n   int
		err error
	)
	if req.Room == "" {
		n, err = s.service.Broadcast(c.Context(), req.Event, req.Data)
	} else {
		n, err = s.service.Publish(c.Context(), req.Room, req.Event, req.Data)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("room", req.Room).Msg("publish failed")
		return errorJSON(c, fiber.StatusBadGateway, err.Error())
	}
	return c.JSON(fiber.Map{"published": true, "room": req.Room, "delivered": n})
}

func (s *Server) handleSendToConnection(c fiber.Ctx) error {
	var req publishRequest
	if ok, err := decodeBody(c, &req); !ok {
		return err
	}
	if err := s.service.SendToClient(c.Context(), c.Params("id"), req.Event, req.Data); err != nil {
		if types.KindOf(err) == types.KindValidation {
			return errorJSON(c, fiber.StatusUnprocessableEntity, err.Error())
		}
		return errorJSON(c, fiber.StatusNotFound, err.Error())
	}
	return c.JSON(fiber.Map{"sent": true})
}

// decodeBody reports false after writing a 400 or 422 response itself.
func decodeBody(c fiber.Ctx, req *publishRequest) (bool, error) {
	if err := json.Unmarshal(c.Body(), req); err != nil {
		return false, errorJSON(c, fiber.StatusBadRequest, "invalid JSON body")
	}
	if err := validatePublish.Validate(req); err != nil {
		return false, errorJSON(c, fiber.StatusUnprocessableEntity, err.Error())
	}
	return true, nil
}

func errorJSON(c fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": message})
}

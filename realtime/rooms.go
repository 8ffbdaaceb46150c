package realtime

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// RoomKind classifies a room by its name.
type RoomKind int

const (
	RoomRole RoomKind = iota
	RoomTicket
	RoomChat
	RoomCritical
)

func (k RoomKind) String() string {
	switch k {
	case RoomRole:
		return "role"
	case RoomTicket:
		return "ticket"
	case RoomChat:
		return "chat"
	case RoomCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Room is a named multicast channel.
type Room struct {
	Name string
	Kind RoomKind

	ticketID int64
}

func RoleRoom(role Role) Room {
	return Room{Name: "role:" + string(role), Kind: RoomRole}
}

func TicketRoom(id int64) Room {
	return Room{Name: "ticket:" + strconv.FormatInt(id, 10), Kind: RoomTicket, ticketID: id}
}

// ChatRoom names the dyadic chat between two peer kinds about a ticket,
// e.g. ChatRoom("cliente", "tecnico", 7) is "chat:cliente-tecnico:7".
func ChatRoom(peerA, peerB string, ticketID int64) Room {
	return Room{
		Name:     fmt.Sprintf("chat:%s-%s:%d", peerA, peerB, ticketID),
		Kind:     RoomChat,
		ticketID: ticketID,
	}
}

func CriticalRoom(name string) Room {
	return Room{Name: name, Kind: RoomCritical}
}

// globalCriticalRooms are joined by every principal.
var globalCriticalRooms = []string{"global_tickets", "global_chats", "critical_updates"}

var roleCriticalRooms = map[Role][]string{
	RoleCliente: {"cliente_critical"},
	RoleTecnico: {"tecnico_critical", "tecnico_assignments"},
	RoleAdmin:   {"admin_critical", "admin_unassigned"},
}

// CriticalRooms returns the fixed critical room set for role.
func CriticalRooms(role Role) []Room {
	names := append(slices.Clone(globalCriticalRooms), roleCriticalRooms[role]...)
	out := make([]Room, len(names))
	for i, n := range names {
		out[i] = CriticalRoom(n)
	}
	return out
}

// ParseRoom recovers a Room from its name.
func ParseRoom(name string) Room {
	switch {
	case strings.HasPrefix(name, "role:"):
		return Room{Name: name, Kind: RoomRole}
	case strings.HasPrefix(name, "ticket:"):
		id, _ := strconv.ParseInt(strings.TrimPrefix(name, "ticket:"), 10, 64)
		return Room{Name: name, Kind: RoomTicket, ticketID: id}
	case strings.HasPrefix(name, "chat:"):
		var id int64
		if i := strings.LastIndexByte(name, ':'); i > len("chat:") {
			id, _ = strconv.ParseInt(name[i+1:], 10, 64)
		}
		return Room{Name: name, Kind: RoomChat, ticketID: id}
	default:
		return Room{Name: name, Kind: RoomCritical}
	}
}

// roomTransport is what Rooms needs from the connection.
type roomTransport interface {
	IsConnected() bool
	Send(msg Command) error
}

// Rooms keeps the desired room set of the principal and mirrors it onto
// the connection. Join and leave are fire-and-forget and only go out while
// connected; calls made while disconnected are dropped, not queued.
type Rooms struct {
	transport roomTransport
	logger    Logger
	onJoined  func(room string)
	onLeft    func(room string)

	mu        sync.Mutex
	principal *Principal
	desired   map[string]Room
}

func newRooms(t roomTransport, logger Logger, onJoined, onLeft func(string)) *Rooms {
	return &Rooms{
		transport: t,
		logger:    logger,
		onJoined:  onJoined,
		onLeft:    onLeft,
		desired:   map[string]Room{},
	}
}

// SetPrincipal replaces the principal. Its role and critical rooms become
// part of the desired set; rooms of a previous principal are forgotten.
func (r *Rooms) SetPrincipal(p *Principal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.principal = p
	r.desired = map[string]Room{}
	if p == nil {
		return
	}
	role := RoleRoom(p.Role)
	r.desired[role.Name] = role
	for _, c := range CriticalRooms(p.Role) {
		r.desired[c.Name] = c
	}
}

// Desired returns the desired room names, sorted.
func (r *Rooms) Desired() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.desired))
	for name := range r.desired {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// Join subscribes to room. Joining an already desired room is a no-op.
func (r *Rooms) Join(room Room) error {
	if !r.transport.IsConnected() {
		r.logger.Debug("join dropped while disconnected", map[string]any{"room": room.Name})
		return ErrNotConnected
	}
	r.mu.Lock()
	if _, ok := r.desired[room.Name]; ok {
		r.mu.Unlock()
		return nil
	}
	p := r.principal
	r.mu.Unlock()

	if err := r.sendJoin(p, room); err != nil {
		return err
	}
	r.mu.Lock()
	r.desired[room.Name] = room
	r.mu.Unlock()
	r.onJoined(room.Name)
	return nil
}

// JoinAll joins every room, stopping at the first failure.
func (r *Rooms) JoinAll(rooms []Room) error {
	for _, room := range rooms {
		if err := r.Join(room); err != nil {
			return fmt.Errorf("join %s: %w", room.Name, err)
		}
	}
	return nil
}

// Leave unsubscribes from room and removes it from the desired set. The
// leave message is only sent while connected.
func (r *Rooms) Leave(room Room) error {
	r.mu.Lock()
	_, ok := r.desired[room.Name]
	delete(r.desired, room.Name)
	p := r.principal
	r.mu.Unlock()
	if !ok {
		return nil
	}
	r.onLeft(room.Name)
	if !r.transport.IsConnected() {
		return ErrNotConnected
	}
	return r.sendLeave(p, room)
}

// Rejoin replays the whole desired set on a fresh connection.
func (r *Rooms) Rejoin() error {
	r.mu.Lock()
	p := r.principal
	rooms := make([]Room, 0, len(r.desired))
	for _, room := range r.desired {
		rooms = append(rooms, room)
	}
	r.mu.Unlock()
	slices.SortFunc(rooms, func(a, b Room) int { return strings.Compare(a.Name, b.Name) })

	var critical []string
	var errs []error
	for _, room := range rooms {
		if room.Kind == RoomCritical {
			critical = append(critical, room.Name)
			continue
		}
		if err := r.sendJoin(p, room); err != nil {
			errs = append(errs, fmt.Errorf("rejoin %s: %w", room.Name, err))
			continue
		}
		r.onJoined(room.Name)
	}
	if len(critical) > 0 && p != nil {
		msg := Command{Type: cmdJoinCriticalRooms, Data: CriticalRoomsPayload{
			Role:   string(p.Role),
			UserID: p.ID,
			Rooms:  critical,
		}}
		if err := r.transport.Send(msg); err != nil {
			errs = append(errs, fmt.Errorf("rejoin critical rooms: %w", err))
		} else {
			for _, name := range critical {
				r.onJoined(name)
			}
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	r.logger.Info("rooms rejoined", map[string]any{"count": len(rooms)})
	return nil
}

// LeaveRoleMessage builds the leave_role_room message for the current
// principal, if any.
func (r *Rooms) LeaveRoleMessage() (Command, bool) {
	r.mu.Lock()
	p := r.principal
	r.mu.Unlock()
	if p == nil {
		return Command{}, false
	}
	return Command{Type: cmdLeaveRoleRoom, Data: RolePayload{Role: string(p.Role), UserID: p.ID}}, true
}

func (r *Rooms) sendJoin(p *Principal, room Room) error {
	var msg Command
	switch room.Kind {
	case RoomRole:
		if p == nil {
			return ErrNotAuthenticated
		}
		msg = Command{Type: cmdJoinRoleRoom, Data: RolePayload{Role: string(p.Role), UserID: p.ID}}
	case RoomTicket:
		msg = Command{Type: cmdJoinTicket, Data: TicketPayload{TicketID: room.ticketID}}
	case RoomCritical:
		if p == nil {
			return ErrNotAuthenticated
		}
		msg = Command{Type: cmdJoinCriticalRooms, Data: CriticalRoomsPayload{
			Role: string(p.Role), UserID: p.ID, Rooms: []string{room.Name},
		}}
	default:
		msg = Command{Type: cmdJoinRoom, Data: RoomPayload{Room: room.Name}}
	}
	return r.transport.Send(msg)
}

func (r *Rooms) sendLeave(p *Principal, room Room) error {
	switch room.Kind {
	case RoomRole:
		if p == nil {
			return ErrNotAuthenticated
		}
		return r.transport.Send(Command{Type: cmdLeaveRoleRoom, Data: RolePayload{Role: string(p.Role), UserID: p.ID}})
	case RoomTicket:
		return r.transport.Send(Command{Type: cmdLeaveTicket, Data: TicketPayload{TicketID: room.ticketID}})
	default:
		return r.transport.Send(Command{Type: cmdLeaveRoom, Data: RoomPayload{Room: room.Name}})
	}
}

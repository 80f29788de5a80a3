package main

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const maxUsernameLength = 20

type responseState int

const (
	responseNone responseState = iota
	responseSubmitted
	responseGraded
)

// Student is one joined participant. The id is stable for the student's
// lifetime in the room and independent of both the display name and the
// underlying connection.
type Student struct {
	id            string
	participantID string // cookie identity of the owning connection
	username      string
	responseState responseState
}

// Room is one live session. All state behind mu; every operation on a room
// serializes on it, while distinct rooms progress in parallel.
type Room struct {
	code     string
	cfg      *Config
	registry *RoomRegistry

	mu      sync.RWMutex
	clients map[*Client]bool

	teacherID   string // cookie identity of the creating connection
	teacherGone *time.Timer

	students      map[string]*Student    // student id -> student
	byParticipant map[string]string      // cookie identity -> student id
	removals      map[string]*time.Timer // student id -> pending grace removal

	sessionStarted bool
	createdAt      time.Time
	lastActive     time.Time
	retired        bool

	// Current round. Guarded by mu like everything else; transitions live
	// in toss.go.
	state          tossState
	authorID       string // cookie identity holding the authoring slot
	forced         bool
	authoringTimer *time.Timer
	collectTimer   *time.Timer
	toss           *Toss
}

func newRoom(cfg *Config, registry *RoomRegistry, code, teacherID string) *Room {
	now := time.Now()
	return &Room{
		code:          code,
		cfg:           cfg,
		registry:      registry,
		clients:       make(map[*Client]bool),
		teacherID:     teacherID,
		students:      make(map[string]*Student),
		byParticipant: make(map[string]string),
		removals:      make(map[string]*time.Timer),
		createdAt:     now,
		lastActive:    now,
	}
}

// register binds a connection to the room. A returning cookie cancels any
// pending grace removal (students) or retirement (teacher).
func (room *Room) register(c *Client) {
	room.mu.Lock()
	defer room.mu.Unlock()

	if !c.alive() {
		return
	}

	if room.retired {
		room.sendLocked(c, checkFailMessage{Type: "checkFail", Message: "room no longer exists"})
		return
	}

	room.lastActive = time.Now()
	room.clients[c] = true

	if c.participantID == room.teacherID && room.teacherGone != nil {
		room.teacherGone.Stop()
		room.teacherGone = nil
	}

	if studentID, ok := room.byParticipant[c.participantID]; ok {
		if removal, ok := room.removals[studentID]; ok {
			removal.Stop()
			delete(room.removals, studentID)
		}
	}

	if c.participantID == room.teacherID {
		room.sendRosterLocked()
	}
}

// unregister drops a connection. Membership outlives the connection by a
// grace period, so a page refresh does not cost a student their seat or a
// teacher their room.
func (room *Room) unregister(c *Client) {
	room.mu.Lock()
	defer room.mu.Unlock()

	if _, ok := room.clients[c]; !ok {
		return
	}
	delete(room.clients, c)
	room.lastActive = time.Now()

	if room.connectedLocked(c.participantID) {
		return
	}

	if c.participantID == room.teacherID {
		if room.teacherGone != nil {
			room.teacherGone.Stop()
		}
		room.teacherGone = time.AfterFunc(room.cfg.teacherGrace, func() {
			logf(room.cfg, "ROOMS: Teacher never returned to %s, retiring it", room.code)
			room.registry.retireRoom(room.code)
		})
		return
	}

	if studentID, ok := room.byParticipant[c.participantID]; ok {
		if removal, ok := room.removals[studentID]; ok {
			removal.Stop()
		}
		room.removals[studentID] = time.AfterFunc(room.cfg.studentGrace, func() {
			room.removeStudent(studentID)
		})
	}
}

// connectedLocked reports whether any live connection carries this cookie.
func (room *Room) connectedLocked(participantID string) bool {
	for client := range room.clients {
		if client.participantID == participantID {
			return true
		}
	}
	return false
}

// join registers a student. Usernames are non-empty, length-bounded, and
// unique within the room (case-insensitive). A cookie that already owns a
// student re-joins as that student, picking up the new name.
func (room *Room) join(c *Client, username string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" || len([]rune(username)) > maxUsernameLength {
		return "", errInvalidUsername
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if room.retired {
		return "", errRoomNotFound
	}

	room.lastActive = time.Now()

	existingID := room.byParticipant[c.participantID]

	for id, student := range room.students {
		if id == existingID {
			continue
		}
		if strings.EqualFold(student.username, username) {
			return "", errDuplicateUsername
		}
	}

	if existingID != "" {
		room.students[existingID].username = username
		room.clients[c] = true
		room.sendRosterLocked()
		return existingID, nil
	}

	student := &Student{
		id:            uuid.NewString(),
		participantID: c.participantID,
		username:      username,
	}
	room.students[student.id] = student
	room.byParticipant[c.participantID] = student.id
	room.clients[c] = true

	logf(room.cfg, "ROOMS: Student %q joined %s", username, room.code)

	room.sendRosterLocked()

	return student.id, nil
}

// removeStudent drops a student entirely. If the active round still expected
// a response from them, the expected set shrinks, and the round closes once
// the remaining responders have all answered.
func (room *Room) removeStudent(studentID string) {
	room.mu.Lock()
	defer room.mu.Unlock()

	student, ok := room.students[studentID]
	if !ok || room.retired {
		return
	}

	if room.connectedLocked(student.participantID) {
		return
	}

	delete(room.students, studentID)
	delete(room.byParticipant, student.participantID)
	if removal, ok := room.removals[studentID]; ok {
		removal.Stop()
		delete(room.removals, studentID)
	}

	room.lastActive = time.Now()

	logf(room.cfg, "ROOMS: Student %q left %s", student.username, room.code)

	// A departed author releases the authoring slot.
	if room.state == stateAuthoring && student.participantID == room.authorID {
		if room.authoringTimer != nil {
			room.authoringTimer.Stop()
			room.authoringTimer = nil
		}
		room.authorID = ""
		room.forced = false
		room.state = stateIdle
	}

	if room.toss != nil && room.toss.expected[studentID] {
		if _, responded := room.toss.responses[studentID]; !responded {
			delete(room.toss.expected, studentID)
			if (room.state == stateBroadcast || room.state == stateCollecting) && room.toss.complete() {
				room.closeAndReturnLocked()
				room.sendRosterLocked()
				return
			}
		}
	}

	room.sendRosterLocked()
}

// startSession opens the room for authoring. Teacher only; the broadcast
// moves every waiting student off the join screen.
func (room *Room) startSession(c *Client) error {
	room.mu.Lock()
	defer room.mu.Unlock()

	if room.retired {
		return errRoomNotFound
	}
	if c.participantID != room.teacherID {
		return errUnauthorized
	}

	room.lastActive = time.Now()
	room.sessionStarted = true

	room.broadcastLocked(simpleMessage{Type: "startSession"})

	logf(room.cfg, "ROOMS: Session started in %s with %d students", room.code, len(room.students))

	return nil
}

// sendLocked queues a message for one connection, dropping the connection if
// it is dead or its send buffer is full. The send channel itself is never
// closed; the client's read pump may still be delivering replies on it.
func (room *Room) sendLocked(c *Client, msg any) {
	if !c.enqueue(msg) {
		delete(room.clients, c)
		c.kill()
	}
}

func (room *Room) broadcastLocked(msg any) {
	for client := range room.clients {
		room.sendLocked(client, msg)
	}
}

// sendRosterLocked refreshes the teacher's membership view.
func (room *Room) sendRosterLocked() {
	var teacher *Client
	for client := range room.clients {
		if client.participantID == room.teacherID {
			teacher = client
			break
		}
	}
	if teacher == nil {
		return
	}

	students := make([]RosterEntry, 0, len(room.students))
	for _, student := range room.students {
		students = append(students, RosterEntry{
			ID:        student.id,
			Username:  student.username,
			Responded: student.responseState == responseGraded,
		})
	}

	room.sendLocked(teacher, roomRosterMessage{
		Type:     "roomRoster",
		Students: students,
	})
}

// closeAll disconnects every client and marks the room dead. Called by the
// registry with the room already removed from the code map.
func (room *Room) closeAll() {
	room.mu.Lock()
	defer room.mu.Unlock()

	room.retired = true

	if room.authoringTimer != nil {
		room.authoringTimer.Stop()
	}
	if room.collectTimer != nil {
		room.collectTimer.Stop()
	}
	if room.teacherGone != nil {
		room.teacherGone.Stop()
	}
	for _, removal := range room.removals {
		removal.Stop()
	}

	for c := range room.clients {
		room.sendLocked(c, checkFailMessage{Type: "checkFail", Message: "room has been closed"})
	}

	for c := range room.clients {
		c.kill()
		delete(room.clients, c)
	}
}

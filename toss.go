package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	frqType = "frq"
	mcqType = "mcq"

	maxStatementLength = 450
	maxAnswerChoices   = 8
)

// AnswerChoice is one MCQ option. Correct flags never leave the server once
// a round is broadcast.
type AnswerChoice struct {
	ID        string `json:"id"`
	Statement string `json:"statement"`
	Correct   bool   `json:"correct,omitempty"`
}

type Question struct {
	Type          string         `json:"type"`
	Statement     string         `json:"statement"`
	PictureURL    string         `json:"pictureURL,omitempty"`
	AnswerChoices []AnswerChoice `json:"answerChoices"`
}

// tossState tracks the lifecycle of one question round within a room.
type tossState int

const (
	stateIdle tossState = iota
	stateAuthoring
	stateBroadcast
	stateCollecting
	stateClosed
)

func (s tossState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAuthoring:
		return "authoring"
	case stateBroadcast:
		return "broadcast"
	case stateCollecting:
		return "collecting"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type tossResponse struct {
	answer  string
	correct bool
}

// Toss is one frozen question round. The question and answer key are
// snapshotted at broadcast time and never change afterward, no matter what
// the author does to their draft.
type Toss struct {
	question  Question
	answerKey string
	expected  map[string]bool          // student ids owed a response
	responses map[string]*tossResponse // student id -> graded response
	order     []string                 // student ids in response arrival order
}

// validateToss checks an incoming question/answer pair. MCQ requires at
// least one choice, at most maxAnswerChoices, and exactly one marked
// correct; FRQ requires an empty choice list and a non-empty key.
func validateToss(question Question, answer string) error {
	if question.Statement == "" || len([]rune(question.Statement)) > maxStatementLength {
		return fmt.Errorf("%w: bad statement", errMalformedQuestion)
	}

	switch question.Type {
	case mcqType:
		if len(question.AnswerChoices) == 0 {
			return fmt.Errorf("%w: mcq with no choices", errMalformedQuestion)
		}
		if len(question.AnswerChoices) > maxAnswerChoices {
			return fmt.Errorf("%w: too many choices", errMalformedQuestion)
		}
		correct := 0
		for _, choice := range question.AnswerChoices {
			if choice.Correct {
				correct++
			}
		}
		if correct != 1 {
			return fmt.Errorf("%w: %d choices marked correct", errMalformedQuestion, correct)
		}
	case frqType:
		if len(question.AnswerChoices) != 0 {
			return fmt.Errorf("%w: frq with answer choices", errMalformedQuestion)
		}
		if answer == "" {
			return fmt.Errorf("%w: frq with empty answer key", errMalformedQuestion)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", errMalformedQuestion, question.Type)
	}

	return nil
}

// newToss freezes a validated question into a round. The question is deep
// copied so later edits to the author's draft cannot reach it, and the
// answer key is fixed here: MCQ keys are derived from the marked-correct
// choice, FRQ keys are the supplied expected answer.
func newToss(question Question, answer string, expected map[string]bool) *Toss {
	frozen := question
	frozen.AnswerChoices = make([]AnswerChoice, len(question.AnswerChoices))
	copy(frozen.AnswerChoices, question.AnswerChoices)

	// Choices need stable ids for clients to render against; authors may
	// omit them.
	for i := range frozen.AnswerChoices {
		if frozen.AnswerChoices[i].ID == "" {
			frozen.AnswerChoices[i].ID = uuid.NewString()
		}
	}

	key := answer
	if question.Type == mcqType {
		for i, choice := range frozen.AnswerChoices {
			if choice.Correct {
				key = strconv.Itoa(i)
				break
			}
		}
	}

	return &Toss{
		question:  frozen,
		answerKey: key,
		expected:  expected,
		responses: make(map[string]*tossResponse),
	}
}

// sanitizedQuestion returns the broadcast view of the round's question, with
// the answer key's trace (correct flags) withheld.
func (t *Toss) sanitizedQuestion() Question {
	out := t.question
	out.AnswerChoices = make([]AnswerChoice, len(t.question.AnswerChoices))
	for i, choice := range t.question.AnswerChoices {
		out.AnswerChoices[i] = AnswerChoice{
			ID:        choice.ID,
			Statement: choice.Statement,
		}
	}
	return out
}

// complete reports whether every expected responder has answered.
func (t *Toss) complete() bool {
	for id := range t.expected {
		if _, ok := t.responses[id]; !ok {
			return false
		}
	}
	return true
}

// beginToss claims the authoring slot: Idle -> Authoring. Students may only
// author once the teacher has started the session; the teacher may author at
// any time. The same participant may author consecutive rounds.
func (room *Room) beginToss(c *Client) error {
	room.mu.Lock()
	defer room.mu.Unlock()

	if room.retired {
		return errRoomNotFound
	}

	room.lastActive = time.Now()

	if c.participantID != room.teacherID {
		if _, ok := room.byParticipant[c.participantID]; !ok {
			return errUnauthorized
		}
		if !room.sessionStarted {
			return errUnauthorized
		}
	}

	if room.state != stateIdle {
		return errUnauthorized
	}

	room.state = stateAuthoring
	room.authorID = c.participantID
	room.forced = false

	room.authoringTimer = time.AfterFunc(room.cfg.authoringTimeout, room.forceToss)

	logf(room.cfg, "TOSS: Authoring began in %s", room.code)

	return nil
}

// forceToss fires when the authoring timer elapses: it asks the current
// author to submit immediately with whatever they have. It fires at most
// once per round and does not itself change state.
func (room *Room) forceToss() {
	room.mu.Lock()
	defer room.mu.Unlock()

	if room.retired || room.state != stateAuthoring || room.forced {
		return
	}
	room.forced = true

	for c := range room.clients {
		if c.participantID == room.authorID {
			room.sendLocked(c, forceSetTossMessage{Type: "forceSetToss"})
		}
	}

	logf(room.cfg, "TOSS: Author in %s asked to submit", room.code)
}

// setToss freezes the round and broadcasts it: Authoring -> Broadcast. Only
// the participant holding the authoring slot may submit. The expected
// responder set is the student membership at broadcast time, minus the
// author.
func (room *Room) setToss(c *Client, question Question, answer string) error {
	room.mu.Lock()
	defer room.mu.Unlock()

	if room.retired {
		return errRoomNotFound
	}

	room.lastActive = time.Now()

	if room.state != stateAuthoring {
		return errUnauthorized
	}
	if c.participantID != room.authorID {
		return errUnauthorized
	}

	if err := validateToss(question, answer); err != nil {
		return err
	}

	if room.authoringTimer != nil {
		room.authoringTimer.Stop()
		room.authoringTimer = nil
	}

	expected := make(map[string]bool, len(room.students))
	for id, student := range room.students {
		if student.participantID == room.authorID {
			continue
		}
		expected[id] = true
	}

	room.toss = newToss(question, answer, expected)
	room.state = stateBroadcast

	broadcast := tossQuestionMessage{
		Type:     "tossQuestion",
		Question: room.toss.sanitizedQuestion(),
	}
	for client := range room.clients {
		if client.participantID == room.authorID {
			continue
		}
		room.sendLocked(client, broadcast)
	}

	logf(room.cfg, "TOSS: Question broadcast in %s to %d students", room.code, len(expected))

	if room.toss.complete() {
		// Nobody to wait for; return results immediately.
		room.closeAndReturnLocked()
		return nil
	}

	room.collectTimer = time.AfterFunc(room.cfg.collectTimeout, room.timeoutCollect)

	return nil
}

// respondToss grades and records one student response:
// Broadcast|Collecting -> Collecting. The grading result goes back to the
// submitting student only. Receiving the last expected response closes the
// round.
func (room *Room) respondToss(c *Client, response string) error {
	room.mu.Lock()
	defer room.mu.Unlock()

	if room.retired {
		return errRoomNotFound
	}

	room.lastActive = time.Now()

	if room.state != stateBroadcast && room.state != stateCollecting {
		return errNoActiveToss
	}

	studentID, ok := room.byParticipant[c.participantID]
	if !ok || !room.toss.expected[studentID] {
		return errUnauthorized
	}

	if _, ok := room.toss.responses[studentID]; ok {
		return errDuplicateResponse
	}

	result := grade(room.toss.question, room.toss.answerKey, response)

	room.toss.responses[studentID] = &tossResponse{
		answer:  response,
		correct: result.isCorrect,
	}
	room.toss.order = append(room.toss.order, studentID)
	if student, ok := room.students[studentID]; ok {
		student.responseState = responseGraded
	}

	room.state = stateCollecting

	room.sendLocked(c, tossAnswerMessage{
		Type:      "tossAnswer",
		IsCorrect: result.isCorrect,
		Answer:    result.canonicalAnswer,
	})

	logf(room.cfg, "TOSS: Response from %q in %s (correct: %t)",
		room.students[studentID].username, room.code, result.isCorrect)

	room.sendRosterLocked()

	if room.toss.complete() {
		room.closeAndReturnLocked()
	}

	return nil
}

// closeToss force-closes an open round with partial results. Teacher only.
func (room *Room) closeToss(c *Client) error {
	room.mu.Lock()
	defer room.mu.Unlock()

	if room.retired {
		return errRoomNotFound
	}

	room.lastActive = time.Now()

	if c.participantID != room.teacherID {
		return errUnauthorized
	}
	if room.state != stateBroadcast && room.state != stateCollecting {
		return errNoActiveToss
	}

	room.closeAndReturnLocked()

	return nil
}

// timeoutCollect fires when the collection timer elapses; whatever has been
// collected so far is returned so a round can never wedge waiting on a
// student who will not answer.
func (room *Room) timeoutCollect() {
	room.mu.Lock()
	defer room.mu.Unlock()

	if room.retired {
		return
	}
	if room.state != stateBroadcast && room.state != stateCollecting {
		return
	}

	logf(room.cfg, "TOSS: Collection timed out in %s", room.code)

	room.closeAndReturnLocked()
}

// closeAndReturnLocked finishes the round: Closed, aggregate results
// broadcast to the whole room, then back to Idle for the next author.
func (room *Room) closeAndReturnLocked() {
	room.state = stateClosed

	if room.collectTimer != nil {
		room.collectTimer.Stop()
		room.collectTimer = nil
	}

	responses := make([]ReturnedResponse, 0, len(room.toss.order))
	for _, studentID := range room.toss.order {
		response := room.toss.responses[studentID]
		username := studentID
		if student, ok := room.students[studentID]; ok {
			username = student.username
		}
		responses = append(responses, ReturnedResponse{
			Student: username,
			Answer:  response.answer,
			Correct: response.correct,
		})
	}

	room.broadcastLocked(returnTossMessage{
		Type:      "returnToss",
		Responses: responses,
	})

	logf(room.cfg, "TOSS: Round closed in %s with %d responses", room.code, len(responses))

	for _, student := range room.students {
		student.responseState = responseNone
	}

	room.toss = nil
	room.authorID = ""
	room.forced = false
	room.state = stateIdle
}

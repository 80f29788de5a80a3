package main

import (
	"errors"
	"testing"
	"time"
)

// startedRoom returns a room with a started session and one joined student
// client per username.
func startedRoom(t *testing.T, cfg *Config, usernames ...string) (*Room, *Client, map[string]*Client) {
	t.Helper()

	registry := newRoomRegistry(cfg)
	teacher := newTestClient("teacher")

	room, err := registry.createRoom(teacher.participantID)
	if err != nil {
		t.Fatalf("createRoom: %v", err)
	}
	room.register(teacher)

	students := make(map[string]*Client, len(usernames))
	for _, username := range usernames {
		client := newTestClient("cookie-" + username)
		if _, err := room.join(client, username); err != nil {
			t.Fatalf("join(%q): %v", username, err)
		}
		students[username] = client
	}

	if err := room.startSession(teacher); err != nil {
		t.Fatalf("startSession: %v", err)
	}

	drain(teacher)
	for _, client := range students {
		drain(client)
	}

	return room, teacher, students
}

func capitalsQuestion() Question {
	return Question{
		Type:      mcqType,
		Statement: "What is the capital of France?",
		AnswerChoices: []AnswerChoice{
			{ID: "a", Statement: "Paris", Correct: true},
			{ID: "b", Statement: "London"},
			{ID: "c", Statement: "Rome"},
		},
	}
}

func TestSetTossValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		question Question
		answer   string
	}{
		{
			name: "mcq with no correct choice",
			question: Question{
				Type:      mcqType,
				Statement: "pick one",
				AnswerChoices: []AnswerChoice{
					{ID: "a", Statement: "one"},
					{ID: "b", Statement: "two"},
				},
			},
		},
		{
			name: "mcq with two correct choices",
			question: Question{
				Type:      mcqType,
				Statement: "pick one",
				AnswerChoices: []AnswerChoice{
					{ID: "a", Statement: "one", Correct: true},
					{ID: "b", Statement: "two", Correct: true},
				},
			},
		},
		{
			name:     "mcq with no choices",
			question: Question{Type: mcqType, Statement: "pick one"},
		},
		{
			name: "frq with choices",
			question: Question{
				Type:          frqType,
				Statement:     "say something",
				AnswerChoices: []AnswerChoice{{ID: "a", Statement: "one"}},
			},
			answer: "one",
		},
		{
			name:     "frq with empty answer key",
			question: Question{Type: frqType, Statement: "say something"},
		},
		{
			name:     "empty statement",
			question: Question{Type: frqType},
			answer:   "one",
		},
		{
			name:     "unknown type",
			question: Question{Type: "matching", Statement: "match these"},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			room, _, students := startedRoom(t, testConfig(), "Ava", "Ben")
			ava := students["Ava"]

			if err := room.beginToss(ava); err != nil {
				t.Fatalf("beginToss: %v", err)
			}

			err := room.setToss(ava, test.question, test.answer)
			if !errors.Is(err, errMalformedQuestion) {
				t.Errorf("setToss: got %v, want errMalformedQuestion", err)
			}

			room.mu.RLock()
			defer room.mu.RUnlock()
			if room.state != stateAuthoring {
				t.Errorf("state after rejected toss: got %s, want authoring", room.state)
			}
		})
	}
}

func TestTossScenario(t *testing.T) {
	t.Parallel()

	room, teacher, students := startedRoom(t, testConfig(), "Ava", "Ben")
	ava, ben := students["Ava"], students["Ben"]

	if err := room.beginToss(ava); err != nil {
		t.Fatalf("beginToss: %v", err)
	}
	if err := room.setToss(ava, capitalsQuestion(), ""); err != nil {
		t.Fatalf("setToss: %v", err)
	}

	// Ben receives the question with the answer key withheld; the author
	// does not receive their own question.
	var question *tossQuestionMessage
	for _, msg := range drain(ben) {
		if q, ok := msg.(tossQuestionMessage); ok {
			question = &q
		}
	}
	if question == nil {
		t.Fatal("Ben never received tossQuestion")
	}
	for _, choice := range question.Question.AnswerChoices {
		if choice.Correct {
			t.Errorf("broadcast question leaks correct flag on %q", choice.Statement)
		}
	}
	for _, msg := range drain(ava) {
		if _, ok := msg.(tossQuestionMessage); ok {
			t.Error("author received their own broadcast question")
		}
	}

	if err := room.respondToss(ben, "1"); err != nil {
		t.Fatalf("respondToss: %v", err)
	}

	var answer *tossAnswerMessage
	var benReturn *returnTossMessage
	for _, msg := range drain(ben) {
		switch m := msg.(type) {
		case tossAnswerMessage:
			answer = &m
		case returnTossMessage:
			benReturn = &m
		}
	}
	if answer == nil {
		t.Fatal("Ben never received tossAnswer")
	}
	if answer.IsCorrect {
		t.Error("isCorrect: got true, want false")
	}
	if answer.Answer != "0" {
		t.Errorf("canonical answer: got %q, want %q", answer.Answer, "0")
	}

	// Ben was the only expected responder, so his response closes the
	// round and everyone gets the aggregate.
	if benReturn == nil {
		t.Fatal("Ben never received returnToss")
	}

	var teacherReturn *returnTossMessage
	for _, msg := range drain(teacher) {
		if r, ok := msg.(returnTossMessage); ok {
			teacherReturn = &r
		}
	}
	if teacherReturn == nil {
		t.Fatal("teacher never received returnToss")
	}

	want := ReturnedResponse{Student: "Ben", Answer: "1", Correct: false}
	if len(teacherReturn.Responses) != 1 || teacherReturn.Responses[0] != want {
		t.Errorf("returnToss responses: got %+v, want [%+v]", teacherReturn.Responses, want)
	}

	room.mu.RLock()
	defer room.mu.RUnlock()
	if room.state != stateIdle {
		t.Errorf("state after round: got %s, want idle", room.state)
	}
	if room.toss != nil {
		t.Error("toss survived round close")
	}
}

func TestRespondTossErrors(t *testing.T) {
	t.Parallel()

	room, _, students := startedRoom(t, testConfig(), "Ava", "Ben", "Cam")
	ava, ben := students["Ava"], students["Ben"]

	if err := room.respondToss(ben, "0"); !errors.Is(err, errNoActiveToss) {
		t.Errorf("respond with no round: got %v, want errNoActiveToss", err)
	}

	if err := room.beginToss(ava); err != nil {
		t.Fatalf("beginToss: %v", err)
	}

	if err := room.respondToss(ben, "0"); !errors.Is(err, errNoActiveToss) {
		t.Errorf("respond during authoring: got %v, want errNoActiveToss", err)
	}

	if err := room.setToss(ava, capitalsQuestion(), ""); err != nil {
		t.Fatalf("setToss: %v", err)
	}

	if err := room.respondToss(ava, "0"); !errors.Is(err, errUnauthorized) {
		t.Errorf("author responding to own round: got %v, want errUnauthorized", err)
	}

	stranger := newTestClient("stranger")
	if err := room.respondToss(stranger, "0"); !errors.Is(err, errUnauthorized) {
		t.Errorf("non-member responding: got %v, want errUnauthorized", err)
	}

	if err := room.respondToss(ben, "1"); err != nil {
		t.Fatalf("respondToss: %v", err)
	}
	drain(ben)

	if err := room.respondToss(ben, "0"); !errors.Is(err, errDuplicateResponse) {
		t.Errorf("duplicate response: got %v, want errDuplicateResponse", err)
	}

	// The rejected duplicate must not alter the recorded grade.
	room.mu.RLock()
	defer room.mu.RUnlock()
	studentID := room.byParticipant[ben.participantID]
	response := room.toss.responses[studentID]
	if response.answer != "1" || response.correct {
		t.Errorf("recorded response changed: got %+v", response)
	}
}

func TestRoundClosesOnLastExpectedResponse(t *testing.T) {
	t.Parallel()

	room, _, students := startedRoom(t, testConfig(), "Ava", "Ben", "Cam")
	ava, ben, cam := students["Ava"], students["Ben"], students["Cam"]

	if err := room.beginToss(ava); err != nil {
		t.Fatalf("beginToss: %v", err)
	}
	if err := room.setToss(ava, capitalsQuestion(), ""); err != nil {
		t.Fatalf("setToss: %v", err)
	}

	if err := room.respondToss(ben, "0"); err != nil {
		t.Fatalf("respondToss(Ben): %v", err)
	}

	room.mu.RLock()
	state := room.state
	room.mu.RUnlock()
	if state != stateCollecting {
		t.Fatalf("state after first response: got %s, want collecting", state)
	}
	for _, msg := range drain(ben) {
		if _, ok := msg.(returnTossMessage); ok {
			t.Fatal("returnToss sent before all expected responses arrived")
		}
	}

	if err := room.respondToss(cam, "1"); err != nil {
		t.Fatalf("respondToss(Cam): %v", err)
	}

	room.mu.RLock()
	defer room.mu.RUnlock()
	if room.state != stateIdle {
		t.Errorf("state after last response: got %s, want idle", room.state)
	}
}

func TestDepartedStudentDoesNotBlockClose(t *testing.T) {
	t.Parallel()

	room, teacher, students := startedRoom(t, testConfig(), "Ava", "Ben", "Cam")
	ava, ben, cam := students["Ava"], students["Ben"], students["Cam"]

	if err := room.beginToss(ava); err != nil {
		t.Fatalf("beginToss: %v", err)
	}
	if err := room.setToss(ava, capitalsQuestion(), ""); err != nil {
		t.Fatalf("setToss: %v", err)
	}

	if err := room.respondToss(ben, "0"); err != nil {
		t.Fatalf("respondToss: %v", err)
	}

	// Cam disconnects mid-round and their grace expires.
	room.mu.RLock()
	camID := room.byParticipant[cam.participantID]
	room.mu.RUnlock()

	room.unregister(cam)
	room.removeStudent(camID)

	room.mu.RLock()
	state := room.state
	room.mu.RUnlock()
	if state != stateIdle {
		t.Fatalf("state after departure: got %s, want idle", state)
	}

	var returned *returnTossMessage
	for _, msg := range drain(teacher) {
		if r, ok := msg.(returnTossMessage); ok {
			returned = &r
		}
	}
	if returned == nil {
		t.Fatal("round never returned after departure")
	}
	if len(returned.Responses) != 1 || returned.Responses[0].Student != "Ben" {
		t.Errorf("returned responses: got %+v, want Ben only", returned.Responses)
	}
}

func TestTeacherForceClose(t *testing.T) {
	t.Parallel()

	room, teacher, students := startedRoom(t, testConfig(), "Ava", "Ben", "Cam")
	ava, ben := students["Ava"], students["Ben"]

	if err := room.closeToss(teacher); !errors.Is(err, errNoActiveToss) {
		t.Errorf("closeToss with no round: got %v, want errNoActiveToss", err)
	}

	if err := room.beginToss(ava); err != nil {
		t.Fatalf("beginToss: %v", err)
	}
	if err := room.setToss(ava, capitalsQuestion(), ""); err != nil {
		t.Fatalf("setToss: %v", err)
	}
	if err := room.respondToss(ben, "0"); err != nil {
		t.Fatalf("respondToss: %v", err)
	}

	if err := room.closeToss(ben); !errors.Is(err, errUnauthorized) {
		t.Errorf("closeToss from student: got %v, want errUnauthorized", err)
	}

	if err := room.closeToss(teacher); err != nil {
		t.Fatalf("closeToss from teacher: %v", err)
	}

	var returned *returnTossMessage
	for _, msg := range drain(teacher) {
		if r, ok := msg.(returnTossMessage); ok {
			returned = &r
		}
	}
	if returned == nil {
		t.Fatal("force close never returned results")
	}
	if len(returned.Responses) != 1 {
		t.Errorf("partial results: got %d responses, want 1", len(returned.Responses))
	}
}

func TestBeginTossAuthorization(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	registry := newRoomRegistry(cfg)
	teacher := newTestClient("teacher")

	room, err := registry.createRoom(teacher.participantID)
	if err != nil {
		t.Fatalf("createRoom: %v", err)
	}
	room.register(teacher)

	ava := newTestClient("ava")
	if _, err := room.join(ava, "Ava"); err != nil {
		t.Fatalf("join: %v", err)
	}

	// Students cannot author before the session starts; the teacher can.
	if err := room.beginToss(ava); !errors.Is(err, errUnauthorized) {
		t.Errorf("beginToss before start: got %v, want errUnauthorized", err)
	}
	if err := room.beginToss(teacher); err != nil {
		t.Fatalf("teacher beginToss: %v", err)
	}

	// Only one authoring slot per room.
	if err := room.startSession(teacher); err != nil {
		t.Fatalf("startSession: %v", err)
	}
	if err := room.beginToss(ava); !errors.Is(err, errUnauthorized) {
		t.Errorf("beginToss during authoring: got %v, want errUnauthorized", err)
	}

	// Only the slot holder may submit.
	if err := room.setToss(ava, capitalsQuestion(), ""); !errors.Is(err, errUnauthorized) {
		t.Errorf("setToss from non-author: got %v, want errUnauthorized", err)
	}
}

func TestSameStudentMayReauthor(t *testing.T) {
	t.Parallel()

	room, _, students := startedRoom(t, testConfig(), "Ava", "Ben")
	ava, ben := students["Ava"], students["Ben"]

	for round := 0; round < 2; round++ {
		if err := room.beginToss(ava); err != nil {
			t.Fatalf("round %d beginToss: %v", round, err)
		}
		if err := room.setToss(ava, capitalsQuestion(), ""); err != nil {
			t.Fatalf("round %d setToss: %v", round, err)
		}
		if err := room.respondToss(ben, "0"); err != nil {
			t.Fatalf("round %d respondToss: %v", round, err)
		}
		drain(ava)
		drain(ben)
	}
}

func TestForceTossFiresOnce(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.authoringTimeout = 30 * time.Millisecond

	room, _, students := startedRoom(t, cfg, "Ava", "Ben")
	ava := students["Ava"]

	if err := room.beginToss(ava); err != nil {
		t.Fatalf("beginToss: %v", err)
	}

	time.Sleep(150 * time.Millisecond)

	forced := 0
	for _, msg := range drain(ava) {
		if _, ok := msg.(forceSetTossMessage); ok {
			forced++
		}
	}
	if forced != 1 {
		t.Fatalf("forceSetToss count: got %d, want 1", forced)
	}

	// The force request does not change state; the author's submission
	// still goes through.
	room.mu.RLock()
	state := room.state
	room.mu.RUnlock()
	if state != stateAuthoring {
		t.Fatalf("state after force: got %s, want authoring", state)
	}

	if err := room.setToss(ava, capitalsQuestion(), ""); err != nil {
		t.Fatalf("setToss after force: %v", err)
	}
}

func TestCollectTimeoutReturnsPartial(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.collectTimeout = 30 * time.Millisecond

	room, teacher, students := startedRoom(t, cfg, "Ava", "Ben", "Cam")
	ava, ben := students["Ava"], students["Ben"]

	if err := room.beginToss(ava); err != nil {
		t.Fatalf("beginToss: %v", err)
	}
	if err := room.setToss(ava, capitalsQuestion(), ""); err != nil {
		t.Fatalf("setToss: %v", err)
	}
	if err := room.respondToss(ben, "0"); err != nil {
		t.Fatalf("respondToss: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		room.mu.RLock()
		state := room.state
		room.mu.RUnlock()
		if state == stateIdle {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("round never timed out: state %s", state)
		}
		time.Sleep(10 * time.Millisecond)
	}

	var returned *returnTossMessage
	for _, msg := range drain(teacher) {
		if r, ok := msg.(returnTossMessage); ok {
			returned = &r
		}
	}
	if returned == nil {
		t.Fatal("timeout never returned results")
	}
	if len(returned.Responses) != 1 || returned.Responses[0].Student != "Ben" {
		t.Errorf("partial responses: got %+v, want Ben only", returned.Responses)
	}
}

func TestSetTossFreezesDraft(t *testing.T) {
	t.Parallel()

	room, _, students := startedRoom(t, testConfig(), "Ava", "Ben")
	ava, ben := students["Ava"], students["Ben"]

	draft := capitalsQuestion()

	if err := room.beginToss(ava); err != nil {
		t.Fatalf("beginToss: %v", err)
	}
	if err := room.setToss(ava, draft, ""); err != nil {
		t.Fatalf("setToss: %v", err)
	}

	// Edits to the draft after broadcast must not reach the round.
	draft.AnswerChoices[0].Correct = false
	draft.AnswerChoices[1].Correct = true

	if err := room.respondToss(ben, "0"); err != nil {
		t.Fatalf("respondToss: %v", err)
	}

	var answer *tossAnswerMessage
	for _, msg := range drain(ben) {
		if a, ok := msg.(tossAnswerMessage); ok {
			answer = &a
		}
	}
	if answer == nil {
		t.Fatal("Ben never received tossAnswer")
	}
	if !answer.IsCorrect || answer.Answer != "0" {
		t.Errorf("grading followed the mutated draft: got %+v", answer)
	}
}

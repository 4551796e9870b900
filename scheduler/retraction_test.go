package scheduler

import "testing"

func TestRetract_StopsAsSoonAsEnoughMemoryIsFreed(t *testing.T) {
	// GIVEN a running batch of 3 requests and a shortfall of 2 slots
	s := newTestScheduler(t, 64)
	r1 := NewReq("r1", 0, []int32{1}, SamplingParams{})
	r2 := NewReq("r2", 0, []int32{2}, SamplingParams{})
	r3 := NewReq("r3", 0, []int32{3}, SamplingParams{})
	s.runningBatch = &ScheduleBatch{Reqs: []*Req{r1, r2, r3}}
	s.waitingQueue = nil

	// WHEN retract needs 2 more slots than are available
	victims := s.retract(5, 3, 10)

	// THEN exactly enough newest-first victims are retracted
	if len(victims) != 2 {
		t.Fatalf("retract victim count: got %d, want 2", len(victims))
	}
	if victims[0].RID != "r3" || victims[1].RID != "r2" {
		t.Errorf("retract order: got [%s %s], want [r3 r2] (newest first)", victims[0].RID, victims[1].RID)
	}
	if len(s.runningBatch.Reqs) != 1 || s.runningBatch.Reqs[0].RID != "r1" {
		t.Errorf("runningBatch after retract: got %+v, want only r1", s.runningBatch.Reqs)
	}
}

func TestRetract_RequeuesVictimsAtWaitingQueueHead(t *testing.T) {
	s := newTestScheduler(t, 64)
	r1 := NewReq("r1", 0, []int32{1}, SamplingParams{})
	r1.OutputIDs = []int32{9, 9}
	r1.ProgressIndex = 5
	s.runningBatch = &ScheduleBatch{Reqs: []*Req{r1}}
	s.waitingQueue = []*Req{NewReq("already-waiting", 0, nil, SamplingParams{})}

	s.retract(1, 0, 1)

	if len(s.waitingQueue) != 2 || s.waitingQueue[0].RID != "r1" {
		t.Fatalf("waitingQueue after retract: got %+v, want r1 first", s.waitingQueue)
	}
	if r1.State != StateWaiting {
		t.Errorf("victim state: got %v, want StateWaiting", r1.State)
	}
	if r1.ProgressIndex != 0 {
		t.Errorf("victim ProgressIndex not reset: got %d, want 0", r1.ProgressIndex)
	}
}

func TestRetract_FoldsGeneratedOutputIntoInputAsSafeResumePoint(t *testing.T) {
	// GIVEN a victim that has already generated output tokens under a
	// bounded max_new_tokens budget
	s := newTestScheduler(t, 64)
	r1 := NewReq("r1", 0, []int32{1, 2}, SamplingParams{MaxNewTokens: 5})
	r1.OutputIDs = []int32{9, 9}
	s.runningBatch = &ScheduleBatch{Reqs: []*Req{r1}}

	s.retract(1, 0, 1)

	// THEN the generated tokens are preserved by folding them onto the
	// input instead of being discarded
	wantInput := []int32{1, 2, 9, 9}
	if len(r1.InputIDs) != len(wantInput) {
		t.Fatalf("InputIDs after retract: got %v, want %v", r1.InputIDs, wantInput)
	}
	for i, v := range wantInput {
		if r1.InputIDs[i] != v {
			t.Errorf("InputIDs[%d]: got %d, want %d", i, r1.InputIDs[i], v)
		}
	}
	if r1.OutputIDs != nil {
		t.Errorf("OutputIDs after fold: got %v, want nil", r1.OutputIDs)
	}
	// AND the remaining decode budget shrinks by what was already produced
	if r1.Sampling.MaxNewTokens != 3 {
		t.Errorf("MaxNewTokens after fold: got %d, want 3 (5 - 2 produced)", r1.Sampling.MaxNewTokens)
	}
}

func TestRetract_UnboundedMaxNewTokens_UnaffectedByFold(t *testing.T) {
	s := newTestScheduler(t, 64)
	r1 := NewReq("r1", 0, []int32{1}, SamplingParams{})
	r1.OutputIDs = []int32{9, 9, 9}
	s.runningBatch = &ScheduleBatch{Reqs: []*Req{r1}}

	s.retract(1, 0, 1)

	if r1.Sampling.MaxNewTokens != 0 {
		t.Errorf("MaxNewTokens for an unset budget: got %d, want 0 (stays unset)", r1.Sampling.MaxNewTokens)
	}
}

func TestRetract_NoOutputYet_InputUnchanged(t *testing.T) {
	s := newTestScheduler(t, 64)
	r1 := NewReq("r1", 0, []int32{1, 2, 3}, SamplingParams{})
	s.runningBatch = &ScheduleBatch{Reqs: []*Req{r1}}

	s.retract(1, 0, 1)

	if len(r1.InputIDs) != 3 {
		t.Errorf("InputIDs for a victim with no output yet: got %v, want unchanged [1 2 3]", r1.InputIDs)
	}
}

func TestRetract_ReleasesOwnedSlotsAndPoolIndex(t *testing.T) {
	s := newTestScheduler(t, 64)
	r1 := NewReq("r1", 0, []int32{1, 2}, SamplingParams{})
	idx, _ := s.reqPool.Alloc()
	r1.ReqPoolIdx = idx
	slots, _ := s.kvPool.Alloc(2)
	r1.KVSlots = slots
	s.runningBatch = &ScheduleBatch{Reqs: []*Req{r1}}
	availableBefore := s.kvPool.AvailableSize()

	s.retract(1, 0, 1)

	if r1.ReqPoolIdx != -1 {
		t.Errorf("ReqPoolIdx after retract: got %d, want -1", r1.ReqPoolIdx)
	}
	if len(r1.KVSlots) != 0 {
		t.Errorf("KVSlots after retract: got %v, want empty", r1.KVSlots)
	}
	if s.kvPool.AvailableSize() != availableBefore+2 {
		t.Errorf("kvPool.AvailableSize after retract: got %d, want %d", s.kvPool.AvailableSize(), availableBefore+2)
	}
}

func TestRetract_RaisesNewTokenRatioOnlyWhenVictimsTaken(t *testing.T) {
	s := newTestScheduler(t, 64)
	before := s.newTokenRatio

	// WHEN retract is called but memory is already sufficient
	s.runningBatch = &ScheduleBatch{Reqs: nil}
	s.retract(0, 10, 1)

	if s.newTokenRatio != before {
		t.Errorf("newTokenRatio changed with no victims: got %v, want unchanged %v", s.newTokenRatio, before)
	}
}

func TestRaiseNewTokenRatio_ApproachesOneButNeverOvershoots(t *testing.T) {
	s := newTestScheduler(t, 64)
	s.newTokenRatio = 0.99999

	for i := 0; i < 100; i++ {
		s.raiseNewTokenRatio()
	}

	if s.newTokenRatio > 1.0 {
		t.Errorf("newTokenRatio overshot: got %v, want <= 1.0", s.newTokenRatio)
	}
}

func TestDecayNewTokenRatio_FloorsAtMinNewTokenRatio(t *testing.T) {
	s := newTestScheduler(t, 64)
	s.cfg.Retraction.BaseMinNewTokenRatio = 0.1
	s.cfg.Retraction.ScheduleConservativeness = 1.0
	s.newTokenRatio = 0.1001

	for i := 0; i < 10; i++ {
		s.decayNewTokenRatio()
	}

	if s.newTokenRatio < 0.1 {
		t.Errorf("newTokenRatio undershot floor: got %v, want >= 0.1", s.newTokenRatio)
	}
}

// Package vote implements the Vote Engine (spec C6): DJ-election and
// mutiny session lifecycle, early-termination math, atomic outcome
// application, and cooldown tracking.
package vote

import (
	"context"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/roomsync/coordinator/internal/v1/bus"
	"github.com/roomsync/coordinator/internal/v1/metrics"
	"github.com/roomsync/coordinator/internal/v1/repo"
	"github.com/roomsync/coordinator/internal/v1/roomstate"
	"github.com/roomsync/coordinator/internal/v1/types"
)

// VoteType distinguishes the two session flavors.
type VoteType string

const (
	ElectionVote VoteType = "election"
	MutinyVote   VoteType = "mutiny"
)

// Broadcaster sends an event to every connection joined to a room,
// breaking the cyclic dependency between the Vote Engine and the
// Event Gateway (spec §9).
type Broadcaster func(roomID types.RoomID, event types.Event, payload any)

// Config carries the §6.3 tunables this component reads.
type Config struct {
	TTLSeconds             int
	MutinyCooldownSeconds  int
	DefaultMutinyThreshold float64
	DefaultDjCooldownMin   int
}

// Service implements session start/cast/completion.
type Service struct {
	cfg       Config
	state     *roomstate.Store
	repo      *repo.Store
	bus       *bus.Service
	broadcast Broadcaster
}

func NewService(cfg Config, state *roomstate.Store, repoStore *repo.Store, busSvc *bus.Service, broadcast Broadcaster) *Service {
	return &Service{cfg: cfg, state: state, repo: repoStore, bus: busSvc, broadcast: broadcast}
}

func sessionKey(id types.VoteSessionID) string    { return "vote:" + string(id) }
func tallyKey(id types.VoteSessionID) string      { return "vote:" + string(id) + ":tally" }
func firstVoteKey(id types.VoteSessionID) string  { return "vote:" + string(id) + ":firstvote" }
func votersKey(id types.VoteSessionID) string     { return "vote:" + string(id) + ":voters" }

type sessionRecord struct {
	ID                  types.VoteSessionID
	RoomID              types.RoomID
	VoteType            VoteType
	TotalEligibleVoters int
	Threshold           float64
	TargetDjID          types.UserID
	CreatedAtMs         int64
}

// hasActiveSession reports whether rs.ActiveVoteSessionID still points
// at a live, unexpired session, self-healing (clearing the pointer) if
// it has silently expired (spec §4.4 timeout handling).
func (s *Service) hasActiveSession(ctx context.Context, rs *roomstate.RoomState) bool {
	if rs.ActiveVoteSessionID == "" {
		return false
	}
	fields, err := s.bus.HGetAll(ctx, sessionKey(rs.ActiveVoteSessionID))
	if err != nil || len(fields) == 0 {
		rs.ActiveVoteSessionID = ""
		return false
	}
	created, _ := strconv.ParseInt(fields["createdAtMs"], 10, 64)
	if types.NowMs()-created > int64(s.cfg.TTLSeconds)*1000 {
		_ = s.bus.Del(ctx, sessionKey(rs.ActiveVoteSessionID))
		rs.ActiveVoteSessionID = ""
		return false
	}
	return true
}

// StartElection begins a DJ-election session.
func (s *Service) StartElection(ctx context.Context, roomID types.RoomID, initiator types.UserID) (types.VoteSessionID, error) {
	isMember, err := s.repo.IsMember(ctx, roomID, initiator)
	if err != nil {
		return "", types.ErrInternal("check membership", err)
	}
	if !isMember {
		return "", types.ErrUnauthorized("must be a room member to start an election")
	}

	var sessionID types.VoteSessionID
	var totalEligible int
	err = s.state.Do(roomID, func(rs *roomstate.RoomState) error {
		if s.hasActiveSession(ctx, rs) {
			return types.ErrConflict("a vote session is already active in this room")
		}
		members, merr := s.repo.Members(ctx, roomID)
		if merr != nil {
			return types.ErrInternal("load members", merr)
		}
		totalEligible = len(members)
		sessionID = types.VoteSessionID(uuid.NewString())
		rs.ActiveVoteSessionID = sessionID
		return nil
	})
	if err != nil {
		return "", err
	}

	now := types.NowMs()
	_ = s.bus.HSet(ctx, sessionKey(sessionID), "roomId", string(roomID))
	_ = s.bus.HSet(ctx, sessionKey(sessionID), "voteType", string(ElectionVote))
	_ = s.bus.HSet(ctx, sessionKey(sessionID), "totalEligibleVoters", strconv.Itoa(totalEligible))
	_ = s.bus.HSet(ctx, sessionKey(sessionID), "createdAtMs", strconv.FormatInt(now, 10))
	_ = s.bus.Expire(ctx, sessionKey(sessionID), time.Duration(s.cfg.TTLSeconds)*time.Second)

	metrics.VoteSessionsStarted.WithLabelValues("election").Inc()
	s.broadcast(roomID, types.EventVoteElectionStart, map[string]any{
		"voteSessionId":       sessionID,
		"voteType":            "election",
		"totalEligibleVoters": totalEligible,
	})
	return sessionID, nil
}

// StartMutiny begins a mutiny session against the room's current DJ.
func (s *Service) StartMutiny(ctx context.Context, roomID types.RoomID, initiator types.UserID) (types.VoteSessionID, error) {
	isMember, err := s.repo.IsMember(ctx, roomID, initiator)
	if err != nil {
		return "", types.ErrInternal("check membership", err)
	}
	if !isMember {
		return "", types.ErrUnauthorized("must be a room member to start a mutiny")
	}

	room, err := s.repo.FindRoomByID(ctx, roomID)
	if err != nil {
		return "", types.ErrInternal("load room", err)
	}
	threshold := room.Settings.MutinyThreshold
	if threshold <= 0 {
		threshold = s.cfg.DefaultMutinyThreshold
	}

	var sessionID types.VoteSessionID
	var totalEligible int
	var targetDj types.UserID
	err = s.state.Do(roomID, func(rs *roomstate.RoomState) error {
		if s.hasActiveSession(ctx, rs) {
			return types.ErrConflict("a vote session is already active in this room")
		}
		if rs.CurrentDJ == "" {
			return types.ErrInvalidInput("room has no dj to mutiny")
		}
		now := types.NowMs()
		if rs.MutinyCooldownDeadline > now {
			return types.ErrConflict("mutiny cooldown still active for this room")
		}
		targetDj = rs.CurrentDJ

		members, merr := s.repo.Members(ctx, roomID)
		if merr != nil {
			return types.ErrInternal("load members", merr)
		}
		totalEligible = len(members)
		sessionID = types.VoteSessionID(uuid.NewString())
		rs.ActiveVoteSessionID = sessionID
		rs.SetMutinyCooldown(now + int64(s.cfg.MutinyCooldownSeconds)*1000)
		return nil
	})
	if err != nil {
		return "", err
	}

	now := types.NowMs()
	_ = s.bus.HSet(ctx, sessionKey(sessionID), "roomId", string(roomID))
	_ = s.bus.HSet(ctx, sessionKey(sessionID), "voteType", string(MutinyVote))
	_ = s.bus.HSet(ctx, sessionKey(sessionID), "totalEligibleVoters", strconv.Itoa(totalEligible))
	_ = s.bus.HSet(ctx, sessionKey(sessionID), "threshold", strconv.FormatFloat(threshold, 'f', -1, 64))
	_ = s.bus.HSet(ctx, sessionKey(sessionID), "targetDjId", string(targetDj))
	_ = s.bus.HSet(ctx, sessionKey(sessionID), "createdAtMs", strconv.FormatInt(now, 10))
	_ = s.bus.Expire(ctx, sessionKey(sessionID), time.Duration(s.cfg.TTLSeconds)*time.Second)

	metrics.VoteSessionsStarted.WithLabelValues("mutiny").Inc()
	s.broadcast(roomID, types.EventVoteMutinyStart, map[string]any{
		"voteSessionId":       sessionID,
		"voteType":            "mutiny",
		"totalEligibleVoters": totalEligible,
		"threshold":           threshold,
		"targetDjId":          targetDj,
	})
	return sessionID, nil
}

func (s *Service) loadSession(ctx context.Context, sessionID types.VoteSessionID) (*sessionRecord, error) {
	fields, err := s.bus.HGetAll(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, types.ErrInternal("load vote session", err)
	}
	if len(fields) == 0 {
		return nil, types.ErrNotFound("vote session expired or not found")
	}
	created, _ := strconv.ParseInt(fields["createdAtMs"], 10, 64)
	if types.NowMs()-created > int64(s.cfg.TTLSeconds)*1000 {
		_ = s.bus.Del(ctx, sessionKey(sessionID))
		return nil, types.ErrNotFound("vote session expired")
	}
	total, _ := strconv.Atoi(fields["totalEligibleVoters"])
	threshold, _ := strconv.ParseFloat(fields["threshold"], 64)
	return &sessionRecord{
		ID:                  sessionID,
		RoomID:              types.RoomID(fields["roomId"]),
		VoteType:            VoteType(fields["voteType"]),
		TotalEligibleVoters: total,
		Threshold:           threshold,
		TargetDjID:          types.UserID(fields["targetDjId"]),
		CreatedAtMs:         created,
	}, nil
}

// addVoter records voterID in a session's voterIds set, returning
// false if they had already voted. This is the fast-path check; the
// Repository's (roomId,voterId,voteSessionId) uniqueness constraint is
// the authoritative guard against a race between two concurrent casts
// from the same voter (invariant I3).
func (s *Service) addVoter(ctx context.Context, sessionID types.VoteSessionID, voterID types.UserID) (bool, error) {
	members, err := s.bus.SetMembers(ctx, votersKey(sessionID))
	if err != nil {
		return false, types.ErrInternal("check voter set", err)
	}
	for _, m := range members {
		if m == string(voterID) {
			return false, nil
		}
	}
	if err := s.bus.SetAdd(ctx, votersKey(sessionID), string(voterID)); err != nil {
		return false, types.ErrInternal("record voter", err)
	}
	return true, nil
}

// CastDJVote records an election ballot and evaluates completion.
func (s *Service) CastDJVote(ctx context.Context, roomID types.RoomID, sessionID types.VoteSessionID, voterID, targetUserID types.UserID) error {
	sess, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.RoomID != roomID || sess.VoteType != ElectionVote {
		return types.ErrNotFound("election session not found in room")
	}

	isMember, err := s.repo.IsMember(ctx, roomID, voterID)
	if err != nil {
		return types.ErrInternal("check membership", err)
	}
	if !isMember {
		return types.ErrUnauthorized("must be a room member to vote")
	}

	added, err := s.addVoter(ctx, sessionID, voterID)
	if err != nil {
		return err
	}
	if !added {
		return types.ErrConflict("already voted in this session")
	}

	if err := s.repo.CastVote(ctx, repo.Vote{
		RoomID: roomID, VoterID: voterID, VoteType: repo.VoteTypeElection,
		TargetUserID: targetUserID, VoteSessionID: sessionID, CastAtMs: types.NowMs(),
	}); err != nil {
		if err == repo.ErrDuplicateVote {
			return types.ErrConflict("already voted in this session")
		}
		return types.ErrInternal("persist vote", err)
	}

	if _, err := s.bus.HIncrBy(ctx, tallyKey(sessionID), string(targetUserID), 1); err != nil {
		return types.ErrInternal("update tally", err)
	}
	if ts, _ := s.bus.HGet(ctx, firstVoteKey(sessionID), string(targetUserID)); ts == "" {
		_ = s.bus.HSet(ctx, firstVoteKey(sessionID), string(targetUserID), strconv.FormatInt(types.NowMs(), 10))
	}

	tally, _ := s.bus.HGetAll(ctx, tallyKey(sessionID))
	s.broadcast(roomID, types.EventVoteResultsUpdate, map[string]any{"voteSessionId": sessionID, "counts": tally})

	return s.maybeCompleteElection(ctx, roomID, sessionID, sess.TotalEligibleVoters, tally)
}

func leaderAndRunnerUp(counts map[string]int64) (leader, runnerUp int64) {
	for _, n := range counts {
		if n > leader {
			runnerUp = leader
			leader = n
		} else if n > runnerUp {
			runnerUp = n
		}
	}
	return leader, runnerUp
}

func (s *Service) maybeCompleteElection(ctx context.Context, roomID types.RoomID, sessionID types.VoteSessionID, totalEligible int, tallyStr map[string]string) error {
	counts := make(map[string]int64, len(tallyStr))
	var sum int64
	for k, v := range tallyStr {
		n, _ := strconv.ParseInt(v, 10, 64)
		counts[k] = n
		sum += n
	}
	remaining := int64(totalEligible) - sum
	leader, runnerUp := leaderAndRunnerUp(counts)
	margin := leader - runnerUp
	if remaining > 0 && margin < remaining {
		return nil // continue: outcome not yet decided
	}

	winner := s.resolveElectionWinner(ctx, sessionID, counts)
	return s.completeElection(ctx, roomID, sessionID, winner, tallyStr)
}

func (s *Service) resolveElectionWinner(ctx context.Context, sessionID types.VoteSessionID, counts map[string]int64) types.UserID {
	var best types.UserID
	var bestCount, bestTs int64
	first := true
	for uidStr, n := range counts {
		uid := types.UserID(uidStr)
		ts := s.firstVoteTs(ctx, sessionID, uid)
		switch {
		case first:
			best, bestCount, bestTs, first = uid, n, ts, false
		case n > bestCount:
			best, bestCount, bestTs = uid, n, ts
		case n == bestCount && ts < bestTs:
			best, bestCount, bestTs = uid, n, ts
		case n == bestCount && ts == bestTs && uid < best:
			best = uid
		}
	}
	return best
}

func (s *Service) firstVoteTs(ctx context.Context, sessionID types.VoteSessionID, uid types.UserID) int64 {
	v, _ := s.bus.HGet(ctx, firstVoteKey(sessionID), string(uid))
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

func (s *Service) completeElection(ctx context.Context, roomID types.RoomID, sessionID types.VoteSessionID, winner types.UserID, tally map[string]string) error {
	if err := s.repo.ApplyElectionOutcome(ctx, roomID, winner, types.NowMs()); err != nil {
		return types.ErrInternal("apply election outcome", err)
	}
	_ = s.state.Do(roomID, func(rs *roomstate.RoomState) error {
		rs.CurrentDJ = winner
		rs.ActiveVoteSessionID = ""
		return nil
	})
	_ = s.bus.Expire(ctx, sessionKey(sessionID), 60*time.Second)

	metrics.VoteSessionsCompleted.WithLabelValues("election", "completed").Inc()
	metrics.DJChanges.WithLabelValues("vote").Inc()
	s.broadcast(roomID, types.EventVoteComplete, map[string]any{"voteSessionId": sessionID, "counts": tally, "winner": winner})
	s.broadcast(roomID, types.EventDJChanged, map[string]any{"newDjId": winner, "reason": "vote"})
	return nil
}

// CastMutinyVote records a mutiny ballot and evaluates completion.
// voteValue must be "yes" or "no".
func (s *Service) CastMutinyVote(ctx context.Context, roomID types.RoomID, sessionID types.VoteSessionID, voterID types.UserID, voteValue string) error {
	if voteValue != "yes" && voteValue != "no" {
		return types.ErrInvalidInput("voteValue must be yes or no")
	}

	sess, err := s.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.RoomID != roomID || sess.VoteType != MutinyVote {
		return types.ErrNotFound("mutiny session not found in room")
	}

	isMember, err := s.repo.IsMember(ctx, roomID, voterID)
	if err != nil {
		return types.ErrInternal("check membership", err)
	}
	if !isMember {
		return types.ErrUnauthorized("must be a room member to vote")
	}

	added, err := s.addVoter(ctx, sessionID, voterID)
	if err != nil {
		return err
	}
	if !added {
		return types.ErrConflict("already voted in this session")
	}

	if err := s.repo.CastVote(ctx, repo.Vote{
		RoomID: roomID, VoterID: voterID, VoteType: repo.VoteTypeMutiny,
		VoteSessionID: sessionID, CastAtMs: types.NowMs(),
	}); err != nil {
		if err == repo.ErrDuplicateVote {
			return types.ErrConflict("already voted in this session")
		}
		return types.ErrInternal("persist vote", err)
	}

	if _, err := s.bus.HIncrBy(ctx, sessionKey(sessionID), voteValue, 1); err != nil {
		return types.ErrInternal("update tally", err)
	}

	yesStr, _ := s.bus.HGet(ctx, sessionKey(sessionID), "yes")
	noStr, _ := s.bus.HGet(ctx, sessionKey(sessionID), "no")
	yes, _ := strconv.ParseInt(yesStr, 10, 64)
	no, _ := strconv.ParseInt(noStr, 10, 64)

	s.broadcast(roomID, types.EventVoteResultsUpdate, map[string]any{"voteSessionId": sessionID, "yes": yes, "no": no})

	return s.maybeCompleteMutiny(ctx, roomID, sessionID, sess, yes, no)
}

func (s *Service) maybeCompleteMutiny(ctx context.Context, roomID types.RoomID, sessionID types.VoteSessionID, sess *sessionRecord, yes, no int64) error {
	need := int64(math.Ceil(sess.Threshold * float64(sess.TotalEligibleVoters)))
	remaining := int64(sess.TotalEligibleVoters) - (yes + no)

	switch {
	case yes >= need:
		return s.completeMutiny(ctx, roomID, sessionID, true)
	case yes+remaining < need:
		return s.completeMutiny(ctx, roomID, sessionID, false)
	default:
		return nil
	}
}

func (s *Service) completeMutiny(ctx context.Context, roomID types.RoomID, sessionID types.VoteSessionID, passed bool) error {
	_ = s.state.Do(roomID, func(rs *roomstate.RoomState) error {
		rs.ActiveVoteSessionID = ""
		return nil
	})
	_ = s.bus.Expire(ctx, sessionKey(sessionID), 60*time.Second)

	outcome := "failed"
	if passed {
		outcome = "passed"
	}
	metrics.VoteSessionsCompleted.WithLabelValues("mutiny", outcome).Inc()

	if !passed {
		s.broadcast(roomID, types.EventVoteComplete, map[string]any{"voteSessionId": sessionID, "passed": false})
		s.broadcast(roomID, types.EventMutinyFailed, map[string]any{})
		return nil
	}

	removedDj, err := s.repo.ApplyMutinyOutcome(ctx, roomID, types.NowMs())
	if err != nil {
		return types.ErrInternal("apply mutiny outcome", err)
	}

	cooldownMin := s.cfg.DefaultDjCooldownMin
	if room, rerr := s.repo.FindRoomByID(ctx, roomID); rerr == nil && room.Settings.DjCooldownMinutes > 0 {
		cooldownMin = room.Settings.DjCooldownMinutes
	}

	_ = s.state.Do(roomID, func(rs *roomstate.RoomState) error {
		rs.CurrentDJ = ""
		rs.SetUserDjCooldown(removedDj, types.NowMs()+int64(cooldownMin)*60_000)
		return nil
	})

	metrics.DJChanges.WithLabelValues("mutiny").Inc()
	s.broadcast(roomID, types.EventVoteComplete, map[string]any{"voteSessionId": sessionID, "passed": true})
	s.broadcast(roomID, types.EventMutinySuccess, map[string]any{"removedDjId": removedDj})
	return nil
}

// RandomizeDJ performs an owner-initiated DJ change with no vote,
// applying the same transition semantics as an election winner but
// tagged removalReason='voluntary' (spec §4.4).
func (s *Service) RandomizeDJ(ctx context.Context, roomID types.RoomID, ownerID types.UserID) error {
	isOwner, err := s.repo.IsOwner(ctx, roomID, ownerID)
	if err != nil {
		return types.ErrInternal("check ownership", err)
	}
	if !isOwner {
		return types.ErrUnauthorized("only the room owner may randomize the dj")
	}

	members, err := s.repo.Members(ctx, roomID)
	if err != nil {
		return types.ErrInternal("load members", err)
	}
	if len(members) == 0 {
		return types.ErrConflict("room has no members to select a dj from")
	}
	newDj := members[rand.Intn(len(members))]

	if err := s.repo.ApplyRandomizeDj(ctx, roomID, newDj, types.NowMs()); err != nil {
		return types.ErrInternal("apply randomize dj", err)
	}

	_ = s.state.Do(roomID, func(rs *roomstate.RoomState) error {
		rs.CurrentDJ = newDj
		return nil
	})

	metrics.DJChanges.WithLabelValues("randomize").Inc()
	s.broadcast(roomID, types.EventDJChanged, map[string]any{"newDjId": newDj, "reason": "randomize"})
	return nil
}

// LateResult answers a vote:late-result query during the shortened
// 60s post-completion TTL window (SPEC_FULL supplemented feature).
func (s *Service) LateResult(ctx context.Context, sessionID types.VoteSessionID) (map[string]any, error) {
	fields, err := s.bus.HGetAll(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, types.ErrInternal("load vote session", err)
	}
	if len(fields) == 0 {
		return nil, types.ErrNotFound("vote session result no longer available")
	}

	if fields["voteType"] == string(ElectionVote) {
		tally, _ := s.bus.HGetAll(ctx, tallyKey(sessionID))
		return map[string]any{"voteSessionId": sessionID, "voteType": "election", "counts": tally}, nil
	}
	yes, _ := strconv.ParseInt(fields["yes"], 10, 64)
	no, _ := strconv.ParseInt(fields["no"], 10, 64)
	return map[string]any{"voteSessionId": sessionID, "voteType": "mutiny", "yes": yes, "no": no}, nil
}

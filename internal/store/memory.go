package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/proofmeet/backend/internal/model"
)

// MemoryStore is the in-memory Store implementation. It backs single-node
// deployments without a DATABASE_URL and the whole test suite.
type MemoryStore struct {
	mu sync.RWMutex

	participants map[string]*model.Participant
	officers     map[string]*model.Officer
	meetings     map[string]*model.ExternalMeeting
	requirements map[string]*model.Requirement
	sessions     map[string]*model.Session
	cards        map[string]*model.CourtCard
	signatures   map[string][]*model.Signature // cardID -> signatures
	snapshots    map[string][]*model.WebcamSnapshot
	digests      map[string]*model.DigestBatch // officerID|date -> batch

	// Secondary indexes
	participantsByEmail map[string]string // email -> id
	officersByEmail     map[string]string
	meetingsByProvider  map[string]string
	cardsBySession      map[string]string
	cardsByNumber       map[string]string

	// Per-session append state
	eventDedup map[string]map[string]struct{} // sessionID -> dedup keys
	seqCounter map[string]int64

	// Card issuer counters
	cardSeq  map[string]int // "year|caseDigits" -> last sequence
	chainPos map[string]int // participantID -> last chain position

	// Leases and nonces
	leases map[string]memLease
	nonces map[string]memNonce
}

type memLease struct {
	holder  string
	expires time.Time
}

type memNonce struct {
	cardID  string
	email   string
	expires time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		participants:        make(map[string]*model.Participant),
		officers:            make(map[string]*model.Officer),
		meetings:            make(map[string]*model.ExternalMeeting),
		requirements:        make(map[string]*model.Requirement),
		sessions:            make(map[string]*model.Session),
		cards:               make(map[string]*model.CourtCard),
		signatures:          make(map[string][]*model.Signature),
		snapshots:           make(map[string][]*model.WebcamSnapshot),
		digests:             make(map[string]*model.DigestBatch),
		participantsByEmail: make(map[string]string),
		officersByEmail:     make(map[string]string),
		meetingsByProvider:  make(map[string]string),
		cardsBySession:      make(map[string]string),
		cardsByNumber:       make(map[string]string),
		eventDedup:          make(map[string]map[string]struct{}),
		seqCounter:          make(map[string]int64),
		cardSeq:             make(map[string]int),
		chainPos:            make(map[string]int),
		leases:              make(map[string]memLease),
		nonces:              make(map[string]memNonce),
	}
}

// ============================================================================
// PARTICIPANTS / OFFICERS / MEETINGS
// ============================================================================

func (m *MemoryStore) CreateParticipant(_ context.Context, p *model.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := strings.ToLower(p.Email)
	if _, taken := m.participantsByEmail[email]; taken {
		return fmt.Errorf("participant email %s: %w", email, ErrConflict)
	}
	p.Email = email
	cp := *p
	m.participants[p.ID] = &cp
	m.participantsByEmail[email] = p.ID
	return nil
}

func (m *MemoryStore) GetParticipant(_ context.Context, id string) (*model.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.participants[id]
	if !ok {
		return nil, fmt.Errorf("participant %s: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) GetParticipantByEmail(ctx context.Context, email string) (*model.Participant, error) {
	m.mu.RLock()
	id, ok := m.participantsByEmail[strings.ToLower(email)]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("participant email %s: %w", email, ErrNotFound)
	}
	return m.GetParticipant(ctx, id)
}

func (m *MemoryStore) UpdateParticipant(_ context.Context, p *model.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.participants[p.ID]; !ok {
		return fmt.Errorf("participant %s: %w", p.ID, ErrNotFound)
	}
	cp := *p
	cp.Email = strings.ToLower(cp.Email)
	m.participants[p.ID] = &cp
	return nil
}

func (m *MemoryStore) ListParticipantsByOfficer(_ context.Context, officerID string) ([]*model.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Participant
	for _, p := range m.participants {
		if p.SupervisingOfficerID == officerID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (m *MemoryStore) CreateOfficer(_ context.Context, o *model.Officer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := strings.ToLower(o.Email)
	if _, taken := m.officersByEmail[email]; taken {
		return fmt.Errorf("officer email %s: %w", email, ErrConflict)
	}
	o.Email = email
	cp := *o
	m.officers[o.ID] = &cp
	m.officersByEmail[email] = o.ID
	return nil
}

func (m *MemoryStore) GetOfficer(_ context.Context, id string) (*model.Officer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.officers[id]
	if !ok {
		return nil, fmt.Errorf("officer %s: %w", id, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) GetOfficerByEmail(ctx context.Context, email string) (*model.Officer, error) {
	m.mu.RLock()
	id, ok := m.officersByEmail[strings.ToLower(email)]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("officer email %s: %w", email, ErrNotFound)
	}
	return m.GetOfficer(ctx, id)
}

func (m *MemoryStore) CreateMeeting(_ context.Context, mt *model.ExternalMeeting) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.meetingsByProvider[mt.ProviderMeetingID]; taken {
		return fmt.Errorf("provider meeting %s: %w", mt.ProviderMeetingID, ErrConflict)
	}
	cp := *mt
	m.meetings[mt.ID] = &cp
	m.meetingsByProvider[mt.ProviderMeetingID] = mt.ID
	return nil
}

func (m *MemoryStore) GetMeeting(_ context.Context, id string) (*model.ExternalMeeting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mt, ok := m.meetings[id]
	if !ok {
		return nil, fmt.Errorf("meeting %s: %w", id, ErrNotFound)
	}
	cp := *mt
	return &cp, nil
}

func (m *MemoryStore) GetMeetingByProviderID(ctx context.Context, providerMeetingID string) (*model.ExternalMeeting, error) {
	m.mu.RLock()
	id, ok := m.meetingsByProvider[providerMeetingID]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("provider meeting %s: %w", providerMeetingID, ErrNotFound)
	}
	return m.GetMeeting(ctx, id)
}

func (m *MemoryStore) ListMeetings(_ context.Context) ([]*model.ExternalMeeting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*model.ExternalMeeting, 0, len(m.meetings))
	for _, mt := range m.meetings {
		cp := *mt
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledStart.Before(out[j].ScheduledStart) })
	return out, nil
}

// ============================================================================
// REQUIREMENTS
// ============================================================================

func (m *MemoryStore) CreateRequirement(_ context.Context, r *model.Requirement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.Active {
		for _, existing := range m.requirements {
			if existing.ParticipantID == r.ParticipantID && existing.Active {
				return fmt.Errorf("participant %s already has an active requirement: %w",
					r.ParticipantID, ErrConflict)
			}
		}
	}
	cp := *r
	m.requirements[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetActiveRequirement(_ context.Context, participantID string) (*model.Requirement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.requirements {
		if r.ParticipantID == participantID && r.Active {
			cp := *r
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("active requirement for %s: %w", participantID, ErrNotFound)
}

func (m *MemoryStore) DeactivateRequirement(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requirements[id]
	if !ok {
		return fmt.Errorf("requirement %s: %w", id, ErrNotFound)
	}
	r.Active = false
	return nil
}

func (m *MemoryStore) ListRequirements(_ context.Context, participantID string) ([]*model.Requirement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Requirement
	for _, r := range m.requirements {
		if r.ParticipantID == participantID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ============================================================================
// SESSIONS & TIMELINE
// ============================================================================

func (m *MemoryStore) CreateSession(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.sessions[s.ID]; taken {
		return fmt.Errorf("session %s: %w", s.ID, ErrConflict)
	}
	cp := copySession(s)
	m.sessions[s.ID] = cp
	m.eventDedup[s.ID] = make(map[string]struct{})
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return copySession(s), nil
}

// AppendEvent appends under the store lock, which doubles as the per-session
// writer lock for Seq assignment. Readers always see a consistent prefix
// because GetSession copies under the read lock.
func (m *MemoryStore) AppendEvent(_ context.Context, sessionID string, ev model.TimelineEvent) (AppendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	key := EventDedupKey(ev.Source, ev.Kind, ev.Time)
	if _, dup := m.eventDedup[sessionID][key]; dup {
		return AppendDuplicate, nil
	}

	m.seqCounter[sessionID]++
	ev.Seq = m.seqCounter[sessionID]
	s.Timeline = append(s.Timeline, ev)
	if ev.Time.After(s.LastEventTime) {
		s.LastEventTime = ev.Time
	}
	m.eventDedup[sessionID][key] = struct{}{}
	return AppendAccepted, nil
}

func (m *MemoryStore) UpdateDerived(_ context.Context, sessionID string, expectedVersion int64, d DerivedFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if s.Version != expectedVersion {
		return fmt.Errorf("session %s version %d != %d: %w",
			sessionID, s.Version, expectedVersion, ErrVersionConflict)
	}

	s.Status = d.Status
	s.LeaveTime = d.LeaveTime
	s.Totals = d.Totals
	s.AttendancePct = d.AttendancePct
	s.VerificationMethod = d.VerificationMethod
	s.IsValid = d.IsValid
	s.CardIssued = d.CardIssued
	s.Version++
	return nil
}

func (m *MemoryStore) SetMetadata(_ context.Context, sessionID, key string, value interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]interface{})
	}
	s.Metadata[key] = value
	return nil
}

func (m *MemoryStore) FindInProgressByMeeting(_ context.Context, externalMeetingID, participantID string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var newest *model.Session
	for _, s := range m.sessions {
		if s.ExternalMeetingID != externalMeetingID || s.ParticipantID != participantID {
			continue
		}
		if s.Status != model.SessionInProgress {
			continue
		}
		if newest == nil || s.JoinTime.After(newest.JoinTime) {
			newest = s
		}
	}
	if newest == nil {
		return nil, fmt.Errorf("in-progress session for meeting %s: %w", externalMeetingID, ErrNotFound)
	}
	return copySession(newest), nil
}

func (m *MemoryStore) ListSessionsByStatus(_ context.Context, status model.SessionStatus) ([]*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Session
	for _, s := range m.sessions {
		if s.Status == status {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinTime.Before(out[j].JoinTime) })
	return out, nil
}

func (m *MemoryStore) ListCompletedUnissued(_ context.Context) ([]*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Session
	for _, s := range m.sessions {
		if s.Status == model.SessionCompleted && !s.CardIssued {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinTime.Before(out[j].JoinTime) })
	return out, nil
}

func (m *MemoryStore) ListSessionsByParticipant(_ context.Context, participantID string) ([]*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Session
	for _, s := range m.sessions {
		if s.ParticipantID == participantID {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinTime.Before(out[j].JoinTime) })
	return out, nil
}

func copySession(s *model.Session) *model.Session {
	cp := *s
	cp.Timeline = make([]model.TimelineEvent, len(s.Timeline))
	copy(cp.Timeline, s.Timeline)
	if s.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// ============================================================================
// CARDS & SIGNATURES
// ============================================================================

func (m *MemoryStore) CreateCard(_ context.Context, c *model.CourtCard) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.cardsBySession[c.SessionID]; taken {
		return fmt.Errorf("card for session %s: %w", c.SessionID, ErrConflict)
	}
	if _, taken := m.cardsByNumber[c.Number]; taken {
		return fmt.Errorf("card number %s: %w", c.Number, ErrConflict)
	}
	for _, existing := range m.cards {
		if existing.ParticipantID == c.ParticipantID && existing.ChainPosition == c.ChainPosition {
			return fmt.Errorf("chain position %d for participant %s: %w",
				c.ChainPosition, c.ParticipantID, ErrConflict)
		}
	}

	cp := *c
	m.cards[c.ID] = &cp
	m.cardsBySession[c.SessionID] = c.ID
	m.cardsByNumber[c.Number] = c.ID
	return nil
}

func (m *MemoryStore) GetCard(_ context.Context, id string) (*model.CourtCard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cards[id]
	if !ok {
		return nil, fmt.Errorf("card %s: %w", id, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) GetCardByNumber(ctx context.Context, number string) (*model.CourtCard, error) {
	m.mu.RLock()
	id, ok := m.cardsByNumber[number]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("card number %s: %w", number, ErrNotFound)
	}
	return m.GetCard(ctx, id)
}

func (m *MemoryStore) GetCardBySession(ctx context.Context, sessionID string) (*model.CourtCard, error) {
	m.mu.RLock()
	id, ok := m.cardsBySession[sessionID]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("card for session %s: %w", sessionID, ErrNotFound)
	}
	return m.GetCard(ctx, id)
}

func (m *MemoryStore) LastCardByParticipant(_ context.Context, participantID string) (*model.CourtCard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var last *model.CourtCard
	for _, c := range m.cards {
		if c.ParticipantID != participantID {
			continue
		}
		if last == nil || c.ChainPosition > last.ChainPosition {
			last = c
		}
	}
	if last == nil {
		return nil, fmt.Errorf("cards for participant %s: %w", participantID, ErrNotFound)
	}
	cp := *last
	return &cp, nil
}

func (m *MemoryStore) ListCardsByParticipant(_ context.Context, participantID string) ([]*model.CourtCard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.CourtCard
	for _, c := range m.cards {
		if c.ParticipantID == participantID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainPosition < out[j].ChainPosition })
	return out, nil
}

func (m *MemoryStore) ListCardsByParticipantEmail(_ context.Context, email string) ([]*model.CourtCard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	email = strings.ToLower(email)
	var out []*model.CourtCard
	for _, c := range m.cards {
		if strings.ToLower(c.ParticipantSnapshot.Email) == email {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GeneratedAt.Before(out[j].GeneratedAt) })
	return out, nil
}

func (m *MemoryStore) ListCardsByCase(_ context.Context, caseNumber string) ([]*model.CourtCard, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.CourtCard
	for _, c := range m.cards {
		if c.ParticipantSnapshot.CaseNumber == caseNumber {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GeneratedAt.Before(out[j].GeneratedAt) })
	return out, nil
}

func (m *MemoryStore) SetTampered(_ context.Context, id string, tampered bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cards[id]
	if !ok {
		return fmt.Errorf("card %s: %w", id, ErrNotFound)
	}
	c.Tampered = tampered
	return nil
}

func (m *MemoryStore) CreateSignature(_ context.Context, s *model.Signature) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.signatures[s.CardID] {
		if existing.SignerRole == s.SignerRole {
			return fmt.Errorf("signature %s/%s: %w", s.CardID, s.SignerRole, ErrConflict)
		}
	}
	cp := *s
	m.signatures[s.CardID] = append(m.signatures[s.CardID], &cp)
	return nil
}

func (m *MemoryStore) ListSignatures(_ context.Context, cardID string) ([]*model.Signature, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sigs := m.signatures[cardID]
	out := make([]*model.Signature, 0, len(sigs))
	for _, s := range sigs {
		cp := *s
		out = append(out, &cp)
	}
	return out, nil
}

// ============================================================================
// SNAPSHOTS & DIGESTS
// ============================================================================

func (m *MemoryStore) CreateSnapshot(_ context.Context, s *model.WebcamSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	m.snapshots[s.SessionID] = append(m.snapshots[s.SessionID], &cp)
	return nil
}

func (m *MemoryStore) ListSnapshots(_ context.Context, sessionID string) ([]*model.WebcamSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snaps := m.snapshots[sessionID]
	out := make([]*model.WebcamSnapshot, 0, len(snaps))
	for _, s := range snaps {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CapturedAt.Before(out[j].CapturedAt) })
	return out, nil
}

func (m *MemoryStore) GetOrCreateDigest(_ context.Context, officerID, date string) (*model.DigestBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := officerID + "|" + date
	if d, ok := m.digests[key]; ok {
		cp := *d
		cp.SessionIDs = append([]string(nil), d.SessionIDs...)
		return &cp, nil
	}

	d := &model.DigestBatch{
		ID:        fmt.Sprintf("digest-%s-%s", officerID, date),
		OfficerID: officerID,
		Date:      date,
		Status:    model.DigestPending,
	}
	m.digests[key] = d
	cp := *d
	return &cp, nil
}

// AddDigestSessions unions session ids into the batch. A delivered batch
// never grows: sessions landing after the day's digest went out overflow into
// a follow-up batch for the same officer and day, keyed date#2, date#3, ...
func (m *MemoryStore) AddDigestSessions(_ context.Context, id string, sessionIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var target *model.DigestBatch
	for _, d := range m.digests {
		if d.ID == id {
			target = d
			break
		}
	}
	if target == nil {
		return fmt.Errorf("digest %s: %w", id, ErrNotFound)
	}

	day := target.Date
	if i := strings.Index(day, "#"); i >= 0 {
		day = day[:i]
	}
	for part := 2; target.Status == model.DigestSent; part++ {
		key := fmt.Sprintf("%s|%s#%d", target.OfficerID, day, part)
		next, ok := m.digests[key]
		if !ok {
			next = &model.DigestBatch{
				ID:        fmt.Sprintf("digest-%s-%s#%d", target.OfficerID, day, part),
				OfficerID: target.OfficerID,
				Date:      fmt.Sprintf("%s#%d", day, part),
				Status:    model.DigestPending,
			}
			m.digests[key] = next
		}
		target = next
	}

	seen := make(map[string]struct{}, len(target.SessionIDs))
	for _, s := range target.SessionIDs {
		seen[s] = struct{}{}
	}
	for _, s := range sessionIDs {
		if _, dup := seen[s]; !dup {
			target.SessionIDs = append(target.SessionIDs, s)
			seen[s] = struct{}{}
		}
	}
	return nil
}

func (m *MemoryStore) UpdateDigestStatus(_ context.Context, id string, status model.DigestStatus, sentAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.digests {
		if d.ID != id {
			continue
		}
		// A SENT batch never regresses; re-sending the same day is a no-op.
		if d.Status == model.DigestSent {
			return nil
		}
		d.Status = status
		d.SentAt = sentAt
		d.Attempts++
		return nil
	}
	return fmt.Errorf("digest %s: %w", id, ErrNotFound)
}

func (m *MemoryStore) ListDigestsByStatus(_ context.Context, status model.DigestStatus) ([]*model.DigestBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.DigestBatch
	for _, d := range m.digests {
		if d.Status == status {
			cp := *d
			cp.SessionIDs = append([]string(nil), d.SessionIDs...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ============================================================================
// COUNTERS / LEASES / NONCES
// ============================================================================

func (m *MemoryStore) NextCardSequence(_ context.Context, year int, caseDigits string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := fmt.Sprintf("%d|%s", year, caseDigits)
	m.cardSeq[key]++
	return m.cardSeq[key], nil
}

func (m *MemoryStore) NextChainPosition(_ context.Context, participantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.chainPos[participantID]++
	return m.chainPos[participantID], nil
}

func (m *MemoryStore) AcquireLease(_ context.Context, name, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	l, held := m.leases[name]
	if held && l.holder != holder && l.expires.After(now) {
		return false, nil
	}
	m.leases[name] = memLease{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

func (m *MemoryStore) ReleaseLease(_ context.Context, name, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, held := m.leases[name]; held && l.holder == holder {
		delete(m.leases, name)
	}
	return nil
}

func (m *MemoryStore) PutNonce(_ context.Context, nonce, cardID, email string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nonces[nonce] = memNonce{
		cardID:  cardID,
		email:   strings.ToLower(email),
		expires: time.Now().Add(ttl),
	}
	return nil
}

func (m *MemoryStore) ConsumeNonce(_ context.Context, nonce string) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nonces[nonce]
	if !ok {
		return "", "", fmt.Errorf("nonce: %w", ErrNotFound)
	}
	delete(m.nonces, nonce) // single use
	if time.Now().After(n.expires) {
		return "", "", fmt.Errorf("nonce expired: %w", ErrNotFound)
	}
	return n.cardID, n.email, nil
}

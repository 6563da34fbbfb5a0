package delta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

// Member is a committed participant of the session.
type Member struct {
	ClientId             Id             `json:"clientId"`
	ClientDetails        *ClientDetails `json:"clientDetails,omitempty"`
	JoinedSequenceNumber uint64         `json:"joinedSequenceNumber"`
}

// QuorumValue is a committed fact.
type QuorumValue struct {
	Key                    string          `json:"key"`
	Value                  json.RawMessage `json:"value,omitempty"`
	ProposalSequenceNumber uint64          `json:"proposalSequenceNumber"`
	// the sequence number of the message that completed the required set
	SequenceNumber uint64 `json:"sequenceNumber"`
	Proposer       *Id    `json:"proposer,omitempty"`
}

type proposalKind string

const (
	proposalKindValue proposalKind = "value"
	proposalKindJoin  proposalKind = "join"
	proposalKindLeave proposalKind = "leave"
)

// PendingProposal is the checkpoint form of a proposal awaiting acceptance.
type PendingProposal struct {
	ProposalSequenceNumber uint64          `json:"proposalSequenceNumber"`
	Kind                   string          `json:"kind"`
	Key                    string          `json:"key,omitempty"`
	Value                  json.RawMessage `json:"value,omitempty"`
	Proposer               *Id             `json:"proposer,omitempty"`
	Subject                *Id             `json:"subject,omitempty"`
	SubjectDetails         *ClientDetails  `json:"subjectDetails,omitempty"`
	Required               []Id            `json:"required"`
	Remaining              []Id            `json:"remaining"`
}

// QuorumSnapshot is the deterministic serialized form of the ledger.
type QuorumSnapshot struct {
	Values  []*QuorumValue     `json:"values"`
	Members []*Member          `json:"members"`
	Pending []*PendingProposal `json:"pending,omitempty"`
}

type pendingProposal struct {
	proposalSequenceNumber uint64
	kind                   proposalKind
	key                    string
	value                  json.RawMessage
	proposer               *Id
	subject                *Id
	subjectDetails         *ClientDetails
	// membership snapshot frozen at proposal time
	required map[Id]bool
	// required acceptors not yet observed to accept
	remaining map[Id]bool
}

type ProposedFunction func(key string, value json.RawMessage, sequenceNumber uint64)
type CommittedFunction func(key string, value json.RawMessage, sequenceNumber uint64)
type MemberJoinedFunction func(member *Member)
type MemberLeftFunction func(member *Member, sequenceNumber uint64)

// ProposalPolicyFunction vetoes value proposals. Returning false sends a
// reject instead of an accept. Membership facts are never vetoed.
type ProposalPolicyFunction func(key string, value json.RawMessage) bool

// TransientSendFunction sends a control submission (accept, reject) on the
// current connection, best effort. Transient submissions carry no client
// reference and are never queued or replayed.
type TransientSendFunction func(messageType MessageType, contents any)

// Quorum is the replicated ledger of session facts: committed key/values and
// membership. Every mutation goes through the commit protocol; a proposal
// commits at the sequence number of the message by which every member of its
// frozen required set has accepted. All inputs arrive through the total
// order, so replaying the same history from the same snapshot rebuilds an
// identical ledger with identical commit sequence numbers.
type Quorum struct {
	stateLock sync.Mutex

	values  map[string]*QuorumValue
	members map[Id]*Member
	// members whose leave is sequenced but not yet committed. excluded from
	// required sets of later proposals
	departed map[Id]bool
	// proposal sequence number -> pending
	pending map[uint64]*pendingProposal

	// local proposal waiters by proposal sequence number
	handles map[uint64]*ProposalHandle

	localClientId Id

	policy    ProposalPolicyFunction
	transient TransientSendFunction

	proposedCallbacks     *CallbackList[ProposedFunction]
	committedCallbacks    *CallbackList[CommittedFunction]
	memberJoinedCallbacks *CallbackList[MemberJoinedFunction]
	memberLeftCallbacks   *CallbackList[MemberLeftFunction]
}

func NewQuorum(transient TransientSendFunction) *Quorum {
	return &Quorum{
		values:                map[string]*QuorumValue{},
		members:               map[Id]*Member{},
		departed:              map[Id]bool{},
		pending:               map[uint64]*pendingProposal{},
		handles:               map[uint64]*ProposalHandle{},
		transient:             transient,
		proposedCallbacks:     NewCallbackList[ProposedFunction](),
		committedCallbacks:    NewCallbackList[CommittedFunction](),
		memberJoinedCallbacks: NewCallbackList[MemberJoinedFunction](),
		memberLeftCallbacks:   NewCallbackList[MemberLeftFunction](),
	}
}

func NewQuorumFromSnapshot(snapshot *QuorumSnapshot, transient TransientSendFunction) *Quorum {
	quorum := NewQuorum(transient)
	for _, value := range snapshot.Values {
		quorum.values[value.Key] = value
	}
	for _, member := range snapshot.Members {
		quorum.members[member.ClientId] = member
	}
	for _, pending := range snapshot.Pending {
		p := &pendingProposal{
			proposalSequenceNumber: pending.ProposalSequenceNumber,
			kind:                   proposalKind(pending.Kind),
			key:                    pending.Key,
			value:                  pending.Value,
			proposer:               pending.Proposer,
			subject:                pending.Subject,
			subjectDetails:         pending.SubjectDetails,
			required:               map[Id]bool{},
			remaining:              map[Id]bool{},
		}
		for _, clientId := range pending.Required {
			p.required[clientId] = true
		}
		for _, clientId := range pending.Remaining {
			p.remaining[clientId] = true
		}
		quorum.pending[p.proposalSequenceNumber] = p
		if p.kind == proposalKindLeave && p.subject != nil {
			quorum.departed[*p.subject] = true
		}
	}
	return quorum
}

// Get returns the committed value under `key`.
func (self *Quorum) Get(key string) (json.RawMessage, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	value, ok := self.values[key]
	if !ok {
		return nil, false
	}
	return value.Value, true
}

func (self *Quorum) GetValue(key string) (*QuorumValue, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	value, ok := self.values[key]
	return value, ok
}

func (self *Quorum) Values() []*QuorumValue {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.valuesLocked()
}

func (self *Quorum) valuesLocked() []*QuorumValue {
	keys := maps.Keys(self.values)
	slices.Sort(keys)
	values := make([]*QuorumValue, 0, len(keys))
	for _, key := range keys {
		values = append(values, self.values[key])
	}
	return values
}

func (self *Quorum) Members() []*Member {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.membersLocked()
}

func (self *Quorum) membersLocked() []*Member {
	members := maps.Values(self.members)
	slices.SortFunc(members, func(a *Member, b *Member) int {
		return bytes.Compare(a.ClientId.Bytes(), b.ClientId.Bytes())
	})
	return members
}

func (self *Quorum) IsMember(clientId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.members[clientId]
	return ok
}

func (self *Quorum) SetProposalPolicy(policy ProposalPolicyFunction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.policy = policy
}

func (self *Quorum) AddProposedCallback(proposedCallback ProposedFunction) func() {
	callbackId := self.proposedCallbacks.Add(proposedCallback)
	return func() {
		self.proposedCallbacks.Remove(callbackId)
	}
}

func (self *Quorum) AddCommittedCallback(committedCallback CommittedFunction) func() {
	callbackId := self.committedCallbacks.Add(committedCallback)
	return func() {
		self.committedCallbacks.Remove(callbackId)
	}
}

func (self *Quorum) AddMemberJoinedCallback(memberJoinedCallback MemberJoinedFunction) func() {
	callbackId := self.memberJoinedCallbacks.Add(memberJoinedCallback)
	return func() {
		self.memberJoinedCallbacks.Remove(callbackId)
	}
}

func (self *Quorum) AddMemberLeftCallback(memberLeftCallback MemberLeftFunction) func() {
	callbackId := self.memberLeftCallbacks.Add(memberLeftCallback)
	return func() {
		self.memberLeftCallbacks.Remove(callbackId)
	}
}

func (self *Quorum) setLocalClient(clientId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.localClientId = clientId
}

// bindHandle attaches a local proposal waiter once the propose echo assigns
// the proposal sequence number. Must run before the echo message is applied.
func (self *Quorum) bindHandle(proposalSequenceNumber uint64, handle *ProposalHandle) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.handles[proposalSequenceNumber] = handle
}

func (self *Quorum) failAllHandles(err error) {
	self.stateLock.Lock()
	handles := maps.Values(self.handles)
	self.handles = map[uint64]*ProposalHandle{}
	self.stateLock.Unlock()

	for _, handle := range handles {
		handle.fail(err)
	}
}

// Apply advances the ledger with one sequenced message. Non-control messages
// are ignored. Violations are returned, never repaired; the ledger is left
// unchanged by a violating message.
func (self *Quorum) Apply(message *SequencedMessage) error {
	switch message.MessageType {
	case MessageTypePropose:
		return self.applyPropose(message)
	case MessageTypeAccept:
		return self.applyAccept(message)
	case MessageTypeReject:
		return self.applyReject(message)
	case MessageTypeJoin:
		return self.applyJoin(message)
	case MessageTypeLeave:
		return self.applyLeave(message)
	default:
		return nil
	}
}

// liveRequiredLocked is the membership snapshot frozen into a proposal at
// sequencing time: current members, minus members with a sequenced leave,
// minus the subject of a membership fact.
func (self *Quorum) liveRequiredLocked(exclude *Id) map[Id]bool {
	required := map[Id]bool{}
	for clientId := range self.members {
		if self.departed[clientId] {
			continue
		}
		if exclude != nil && *exclude == clientId {
			continue
		}
		required[clientId] = true
	}
	return required
}

func (self *Quorum) applyPropose(message *SequencedMessage) error {
	if message.ClientId == nil {
		return &ProtocolViolationError{
			SequenceNumber: message.SequenceNumber,
			Reason:         "propose without a client id",
		}
	}
	contents, err := parseContents[ProposeContents](message.Contents)
	if err != nil {
		return &ProtocolViolationError{
			SequenceNumber: message.SequenceNumber,
			Reason:         fmt.Sprintf("bad propose contents: %s", err),
		}
	}

	self.stateLock.Lock()
	p := &pendingProposal{
		proposalSequenceNumber: message.SequenceNumber,
		kind:                   proposalKindValue,
		key:                    contents.Key,
		value:                  contents.Value,
		proposer:               message.ClientId,
		required:               self.liveRequiredLocked(nil),
	}
	p.remaining = map[Id]bool{}
	for clientId := range p.required {
		p.remaining[clientId] = true
	}

	posts := []func(){}
	key := contents.Key
	value := contents.Value
	proposalSequenceNumber := message.SequenceNumber
	posts = append(posts, func() {
		for _, proposedCallback := range self.proposedCallbacks.Get() {
			HandleError(func() {
				proposedCallback(key, value, proposalSequenceNumber)
			})
		}
	})

	if len(p.remaining) == 0 {
		// no live member to accept. commits at its own sequence number
		posts = append(posts, self.commitLocked(p, message.SequenceNumber)...)
	} else {
		self.pending[p.proposalSequenceNumber] = p
		posts = append(posts, self.respondLocked(p)...)
	}
	self.stateLock.Unlock()

	for _, post := range posts {
		post()
	}
	return nil
}

// respondLocked sends this session's accept or reject when it belongs to the
// proposal's required set. The policy runs outside the state lock.
func (self *Quorum) respondLocked(p *pendingProposal) []func() {
	if self.localClientId.IsZero() || !p.required[self.localClientId] {
		return nil
	}
	transient := self.transient
	if transient == nil {
		return nil
	}
	policy := self.policy
	kind := p.kind
	key := p.key
	value := p.value
	proposalSequenceNumber := p.proposalSequenceNumber
	return []func(){func() {
		accept := true
		if kind == proposalKindValue && policy != nil {
			accept = policy(key, value)
		}
		if accept {
			transient(MessageTypeAccept, &AcceptContents{
				ProposalSequenceNumber: proposalSequenceNumber,
			})
		} else {
			glog.Infof("[qr]veto proposal %d\n", proposalSequenceNumber)
			transient(MessageTypeReject, &RejectContents{
				ProposalSequenceNumber: proposalSequenceNumber,
				Reason:                 "policy",
			})
		}
	}}
}

func (self *Quorum) applyAccept(message *SequencedMessage) error {
	if message.ClientId == nil {
		return &ProtocolViolationError{
			SequenceNumber: message.SequenceNumber,
			Reason:         "accept without a client id",
		}
	}
	contents, err := parseContents[AcceptContents](message.Contents)
	if err != nil {
		return &ProtocolViolationError{
			SequenceNumber: message.SequenceNumber,
			Reason:         fmt.Sprintf("bad accept contents: %s", err),
		}
	}
	acceptor := *message.ClientId

	self.stateLock.Lock()
	p, ok := self.pending[contents.ProposalSequenceNumber]
	if !ok {
		// already resolved. stragglers are expected after commit
		self.stateLock.Unlock()
		glog.V(1).Infof("[qr]accept for resolved proposal %d from %s\n", contents.ProposalSequenceNumber, acceptor)
		return nil
	}
	if !p.required[acceptor] {
		self.stateLock.Unlock()
		return &ProtocolViolationError{
			SequenceNumber: message.SequenceNumber,
			Reason:         fmt.Sprintf("acceptance of proposal %d from non-member %s", contents.ProposalSequenceNumber, acceptor),
		}
	}
	if !p.remaining[acceptor] {
		self.stateLock.Unlock()
		glog.V(1).Infof("[qr]duplicate accept for proposal %d from %s\n", contents.ProposalSequenceNumber, acceptor)
		return nil
	}
	delete(p.remaining, acceptor)

	posts := []func(){}
	if len(p.remaining) == 0 {
		delete(self.pending, p.proposalSequenceNumber)
		posts = self.commitLocked(p, message.SequenceNumber)
	}
	self.stateLock.Unlock()

	for _, post := range posts {
		post()
	}
	return nil
}

func (self *Quorum) applyReject(message *SequencedMessage) error {
	if message.ClientId == nil {
		return &ProtocolViolationError{
			SequenceNumber: message.SequenceNumber,
			Reason:         "reject without a client id",
		}
	}
	contents, err := parseContents[RejectContents](message.Contents)
	if err != nil {
		return &ProtocolViolationError{
			SequenceNumber: message.SequenceNumber,
			Reason:         fmt.Sprintf("bad reject contents: %s", err),
		}
	}
	rejector := *message.ClientId

	self.stateLock.Lock()
	p, ok := self.pending[contents.ProposalSequenceNumber]
	if !ok {
		self.stateLock.Unlock()
		glog.V(1).Infof("[qr]reject for resolved proposal %d from %s\n", contents.ProposalSequenceNumber, rejector)
		return nil
	}
	if !p.required[rejector] {
		self.stateLock.Unlock()
		return &ProtocolViolationError{
			SequenceNumber: message.SequenceNumber,
			Reason:         fmt.Sprintf("rejection of proposal %d from non-member %s", contents.ProposalSequenceNumber, rejector),
		}
	}
	if p.kind != proposalKindValue {
		self.stateLock.Unlock()
		return &ProtocolViolationError{
			SequenceNumber: message.SequenceNumber,
			Reason:         fmt.Sprintf("rejection of membership fact %d", contents.ProposalSequenceNumber),
		}
	}

	// a rejected proposal never mutates the map
	delete(self.pending, p.proposalSequenceNumber)
	handle := self.handles[p.proposalSequenceNumber]
	delete(self.handles, p.proposalSequenceNumber)
	key := p.key
	proposalSequenceNumber := p.proposalSequenceNumber
	self.stateLock.Unlock()

	glog.Infof("[qr]proposal %q (%d) rejected by %s\n", key, proposalSequenceNumber, rejector)
	if handle != nil {
		handle.fail(&ProposalRejectedError{
			Key:                    key,
			ProposalSequenceNumber: proposalSequenceNumber,
			RejectedBy:             rejector,
		})
	}
	return nil
}

func (self *Quorum) applyJoin(message *SequencedMessage) error {
	if message.ClientId != nil {
		return &ProtocolViolationError{
			SequenceNumber: message.SequenceNumber,
			Reason:         "join from a client",
		}
	}
	contents, err := parseContents[JoinContents](message.Contents)
	if err != nil {
		return &ProtocolViolationError{
			SequenceNumber: message.SequenceNumber,
			Reason:         fmt.Sprintf("bad join contents: %s", err),
		}
	}
	subject := contents.ClientId

	self.stateLock.Lock()
	if _, ok := self.members[subject]; ok {
		self.stateLock.Unlock()
		return &ProtocolViolationError{
			SequenceNumber: message.SequenceNumber,
			Reason:         fmt.Sprintf("duplicate join for %s", subject),
		}
	}
	for _, q := range self.pending {
		if q.kind == proposalKindJoin && q.subject != nil && *q.subject == subject {
			self.stateLock.Unlock()
			return &ProtocolViolationError{
				SequenceNumber: message.SequenceNumber,
				Reason:         fmt.Sprintf("duplicate join for %s", subject),
			}
		}
	}

	p := &pendingProposal{
		proposalSequenceNumber: message.SequenceNumber,
		kind:                   proposalKindJoin,
		subject:                &subject,
		subjectDetails:         contents.ClientDetails,
		required:               self.liveRequiredLocked(&subject),
	}
	p.remaining = map[Id]bool{}
	for clientId := range p.required {
		p.remaining[clientId] = true
	}

	var posts []func()
	if len(p.remaining) == 0 {
		// first member, or every other member already departing
		posts = self.commitLocked(p, message.SequenceNumber)
	} else {
		self.pending[p.proposalSequenceNumber] = p
		posts = self.respondLocked(p)
	}
	self.stateLock.Unlock()

	for _, post := range posts {
		post()
	}
	return nil
}

func (self *Quorum) applyLeave(message *SequencedMessage) error {
	if message.ClientId != nil {
		return &ProtocolViolationError{
			SequenceNumber: message.SequenceNumber,
			Reason:         "leave from a client",
		}
	}
	contents, err := parseContents[LeaveContents](message.Contents)
	if err != nil {
		return &ProtocolViolationError{
			SequenceNumber: message.SequenceNumber,
			Reason:         fmt.Sprintf("bad leave contents: %s", err),
		}
	}
	subject := contents.ClientId

	self.stateLock.Lock()
	// a leave for a client whose join is still pending voids the join
	for proposalSequenceNumber, q := range self.pending {
		if q.kind == proposalKindJoin && q.subject != nil && *q.subject == subject {
			delete(self.pending, proposalSequenceNumber)
			self.stateLock.Unlock()
			glog.V(1).Infof("[qr]join %d voided by leave for %s\n", proposalSequenceNumber, subject)
			return nil
		}
	}
	if _, ok := self.members[subject]; !ok {
		self.stateLock.Unlock()
		return &ProtocolViolationError{
			SequenceNumber: message.SequenceNumber,
			Reason:         fmt.Sprintf("leave for unknown client %s", subject),
		}
	}
	self.departed[subject] = true

	p := &pendingProposal{
		proposalSequenceNumber: message.SequenceNumber,
		kind:                   proposalKindLeave,
		subject:                &subject,
		required:               self.liveRequiredLocked(&subject),
	}
	p.remaining = map[Id]bool{}
	for clientId := range p.required {
		p.remaining[clientId] = true
	}

	var posts []func()
	if len(p.remaining) == 0 {
		posts = self.commitLocked(p, message.SequenceNumber)
	} else {
		self.pending[p.proposalSequenceNumber] = p
		posts = self.respondLocked(p)
	}
	self.stateLock.Unlock()

	for _, post := range posts {
		post()
	}
	return nil
}

// commitLocked applies a completed proposal and cascades: committing a leave
// drops the departed member from every remaining set, and proposals that
// become complete commit at the same sequence number, in proposal order.
func (self *Quorum) commitLocked(p *pendingProposal, commitSequenceNumber uint64) []func() {
	posts := []func(){}
	commitQueue := []*pendingProposal{p}
	for 0 < len(commitQueue) {
		next := commitQueue[0]
		commitQueue = commitQueue[1:]

		switch next.kind {
		case proposalKindValue:
			value := &QuorumValue{
				Key:                    next.key,
				Value:                  next.value,
				ProposalSequenceNumber: next.proposalSequenceNumber,
				SequenceNumber:         commitSequenceNumber,
				Proposer:               next.proposer,
			}
			// last committed wins
			self.values[value.Key] = value
			handle := self.handles[next.proposalSequenceNumber]
			delete(self.handles, next.proposalSequenceNumber)
			posts = append(posts, func() {
				glog.V(1).Infof("[qr]committed %q at %d\n", value.Key, value.SequenceNumber)
				for _, committedCallback := range self.committedCallbacks.Get() {
					HandleError(func() {
						committedCallback(value.Key, value.Value, value.SequenceNumber)
					})
				}
				if handle != nil {
					handle.resolve(value.SequenceNumber)
				}
			})
		case proposalKindJoin:
			member := &Member{
				ClientId:             *next.subject,
				ClientDetails:        next.subjectDetails,
				JoinedSequenceNumber: commitSequenceNumber,
			}
			self.members[member.ClientId] = member
			posts = append(posts, func() {
				glog.V(1).Infof("[qr]member joined %s at %d\n", member.ClientId, member.JoinedSequenceNumber)
				for _, memberJoinedCallback := range self.memberJoinedCallbacks.Get() {
					HandleError(func() {
						memberJoinedCallback(member)
					})
				}
			})
		case proposalKindLeave:
			subject := *next.subject
			member := self.members[subject]
			delete(self.members, subject)
			delete(self.departed, subject)
			posts = append(posts, func() {
				glog.V(1).Infof("[qr]member left %s at %d\n", subject, commitSequenceNumber)
				for _, memberLeftCallback := range self.memberLeftCallbacks.Get() {
					HandleError(func() {
						memberLeftCallback(member, commitSequenceNumber)
					})
				}
			})

			// drop the departed member from every remaining set
			proposalSequenceNumbers := maps.Keys(self.pending)
			slices.Sort(proposalSequenceNumbers)
			for _, proposalSequenceNumber := range proposalSequenceNumbers {
				q := self.pending[proposalSequenceNumber]
				if q.remaining[subject] {
					delete(q.remaining, subject)
					if len(q.remaining) == 0 {
						delete(self.pending, proposalSequenceNumber)
						commitQueue = append(commitQueue, q)
					}
				}
			}
		}
	}
	return posts
}

// Snapshot captures the ledger for a checkpoint. Pending proposals are
// included so that accepts in flight at checkpoint time replay cleanly.
func (self *Quorum) Snapshot() *QuorumSnapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	pendingSeqs := maps.Keys(self.pending)
	slices.Sort(pendingSeqs)
	pending := make([]*PendingProposal, 0, len(pendingSeqs))
	for _, proposalSequenceNumber := range pendingSeqs {
		p := self.pending[proposalSequenceNumber]
		pending = append(pending, &PendingProposal{
			ProposalSequenceNumber: p.proposalSequenceNumber,
			Kind:                   string(p.kind),
			Key:                    p.key,
			Value:                  p.value,
			Proposer:               p.proposer,
			Subject:                p.subject,
			SubjectDetails:         p.subjectDetails,
			Required:               sortedIds(p.required),
			Remaining:              sortedIds(p.remaining),
		})
	}

	return &QuorumSnapshot{
		Values:  self.valuesLocked(),
		Members: self.membersLocked(),
		Pending: pending,
	}
}

func sortedIds(ids map[Id]bool) []Id {
	sorted := maps.Keys(ids)
	slices.SortFunc(sorted, func(a Id, b Id) int {
		return bytes.Compare(a.Bytes(), b.Bytes())
	})
	return sorted
}

// ProposalHandle resolves when the proposal commits, is rejected, or the
// session stops.
type ProposalHandle struct {
	key string

	stateLock               sync.Mutex
	resolved                bool
	committedSequenceNumber uint64
	err                     error

	done chan struct{}
}

func newProposalHandle(key string) *ProposalHandle {
	return &ProposalHandle{
		key:  key,
		done: make(chan struct{}),
	}
}

func (self *ProposalHandle) Key() string {
	return self.key
}

func (self *ProposalHandle) Done() <-chan struct{} {
	return self.done
}

// Result is valid once Done is closed.
func (self *ProposalHandle) Result() (uint64, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.committedSequenceNumber, self.err
}

func (self *ProposalHandle) Await(ctx context.Context) (uint64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-self.done:
		return self.Result()
	}
}

func (self *ProposalHandle) resolve(committedSequenceNumber uint64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.resolved {
		return
	}
	self.resolved = true
	self.committedSequenceNumber = committedSequenceNumber
	close(self.done)
}

func (self *ProposalHandle) fail(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.resolved {
		return
	}
	self.resolved = true
	self.err = err
	close(self.done)
}

package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrInvalidKind         = errors.New("invalid opportunity kind")
	ErrInvalidState        = errors.New("invalid opportunity state")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrEmptyPayload        = errors.New("opportunity payload is empty")
	ErrPayloadTooLarge     = errors.New("opportunity payload is too large")
	ErrMissingTrigger      = errors.New("ordering exploit without trigger transaction")
	ErrUnexpectedTrigger   = errors.New("trigger transaction set on non-ordering opportunity")
	ErrEmptyIdentity       = errors.New("opportunity identity is empty")
	ErrInvalidTxRequest    = errors.New("invalid transaction request")
	ErrMissingStrategyName = errors.New("opportunity has no strategy")
)

// Kind is the closed set of opportunity variants
// its marshalled as a lowercase string
type Kind uint8

const (
	KindArbitrage Kind = iota + 1
	KindLiquidation
	KindFlashBorrow
	KindTimedOrder
	KindOrderingExploit
)

var kindNames = map[Kind]string{
	KindArbitrage:       "arbitrage",
	KindLiquidation:     "liquidation",
	KindFlashBorrow:     "flash_borrow",
	KindTimedOrder:      "timed_order",
	KindOrderingExploit: "ordering_exploit",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidKind, s)
}

func (k Kind) MarshalJSON() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, ErrInvalidKind
	}
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// State is the lifecycle state of an opportunity
type State uint8

const (
	StateDetected State = iota
	StateValidating
	StateSubmitting
	StateFrontrunSubmitted
	StateAwaitingTrigger
	StateBackrunSubmitted
	StateAwaitingConfirmation
	StateRetrying
	StateCompleted
	StateFailed
)

var stateNames = map[State]string{
	StateDetected:             "detected",
	StateValidating:           "validating",
	StateSubmitting:           "submitting",
	StateFrontrunSubmitted:    "frontrun_submitted",
	StateAwaitingTrigger:      "awaiting_trigger",
	StateBackrunSubmitted:     "backrun_submitted",
	StateAwaitingConfirmation: "awaiting_confirmation",
	StateRetrying:             "retrying",
	StateCompleted:            "completed",
	StateFailed:               "failed",
}

// transitions lists every allowed edge of the state machine.
// Failed -> Retrying is the only edge that leads back into an earlier part of the machine.
var transitions = map[State][]State{
	StateDetected:             {StateValidating, StateFailed},
	StateValidating:           {StateSubmitting, StateFailed},
	StateSubmitting:           {StateAwaitingConfirmation, StateFrontrunSubmitted, StateFailed},
	StateFrontrunSubmitted:    {StateAwaitingTrigger, StateFailed},
	StateAwaitingTrigger:      {StateBackrunSubmitted, StateFailed},
	StateBackrunSubmitted:     {StateAwaitingConfirmation, StateFailed},
	StateAwaitingConfirmation: {StateCompleted, StateFailed},
	StateFailed:               {StateRetrying},
	StateRetrying:             {StateSubmitting, StateFailed},
	StateCompleted:            {},
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

func (s State) MarshalJSON() ([]byte, error) {
	if _, ok := stateNames[s]; !ok {
		return nil, ErrInvalidState
	}
	return json.Marshal(s.String())
}

func ParseState(str string) (State, error) {
	for state, name := range stateNames {
		if name == str {
			return state, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidState, str)
}

func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseState(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Leg selects which transaction of an opportunity is being built
type Leg uint8

const (
	LegSingle Leg = iota
	LegFrontrun
	LegBackrun
)

func (l Leg) String() string {
	switch l {
	case LegSingle:
		return "single"
	case LegFrontrun:
		return "frontrun"
	case LegBackrun:
		return "backrun"
	default:
		return fmt.Sprintf("leg(%d)", uint8(l))
	}
}

func (l Leg) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// Opportunity is a detected candidate action.
// Envelope fields are set by the detecting strategy, lifecycle fields are owned by the scheduler once the
// opportunity leaves the cache.
type Opportunity struct {
	Identity        common.Hash   `json:"identity"`
	Kind            Kind          `json:"kind"`
	Strategy        string        `json:"strategy"`
	Payload         hexutil.Bytes `json:"payload"`
	Trigger         *common.Hash  `json:"trigger,omitempty"`
	EstimatedProfit *big.Int      `json:"estimatedProfit"`
	DetectedAt      time.Time     `json:"detectedAt"`
	DetectedBlock   uint64        `json:"detectedBlock"`

	State        State         `json:"state"`
	AttemptCount int           `json:"attemptCount"`
	TxHashes     []common.Hash `json:"txHashes,omitempty"`
	History      []State       `json:"history,omitempty"`
}

// ValidateEnvelope checks the parts of the opportunity the engine is allowed to look at
func (o *Opportunity) ValidateEnvelope() error {
	if o.Identity == (common.Hash{}) {
		return ErrEmptyIdentity
	}
	if _, ok := kindNames[o.Kind]; !ok {
		return ErrInvalidKind
	}
	if o.Strategy == "" {
		return ErrMissingStrategyName
	}
	if len(o.Payload) == 0 {
		return ErrEmptyPayload
	}
	if len(o.Payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}
	if o.Kind == KindOrderingExploit && o.Trigger == nil {
		return ErrMissingTrigger
	}
	if o.Kind != KindOrderingExploit && o.Trigger != nil {
		return ErrUnexpectedTrigger
	}
	return nil
}

func (o *Opportunity) transition(next State) error {
	if !o.State.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.State, next)
	}
	o.History = append(o.History, o.State)
	o.State = next
	return nil
}

// Age returns how long ago the opportunity was last detected
func (o *Opportunity) Age(now time.Time) time.Duration {
	return now.Sub(o.DetectedAt)
}

// Copy returns a copy that does not share mutable fields with o
func (o *Opportunity) Copy() Opportunity {
	c := *o
	if o.EstimatedProfit != nil {
		c.EstimatedProfit = new(big.Int).Set(o.EstimatedProfit)
	}
	if o.Trigger != nil {
		trigger := *o.Trigger
		c.Trigger = &trigger
	}
	c.Payload = append(hexutil.Bytes(nil), o.Payload...)
	c.TxHashes = append([]common.Hash(nil), o.TxHashes...)
	c.History = append([]State(nil), o.History...)
	return c
}

// FeeMarket is the network fee condition at a point in time
type FeeMarket struct {
	BaseFee     *big.Int `json:"baseFee"`
	PriorityFee *big.Int `json:"priorityFee"`
}

// Total is the per-gas price an inclusion would cost right now
func (f FeeMarket) Total() *big.Int {
	total := new(big.Int)
	if f.BaseFee != nil {
		total.Add(total, f.BaseFee)
	}
	if f.PriorityFee != nil {
		total.Add(total, f.PriorityFee)
	}
	return total
}

// GasCost returns gasLimit * Total()
func (f FeeMarket) GasCost(gasLimit uint64) *big.Int {
	return new(big.Int).Mul(f.Total(), new(big.Int).SetUint64(gasLimit))
}

// TxRequest is an unsigned transaction built by a strategy
type TxRequest struct {
	To       common.Address `json:"to"`
	Data     hexutil.Bytes  `json:"data"`
	Value    *big.Int       `json:"value"`
	GasLimit uint64         `json:"gasLimit"`
}

func (r *TxRequest) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidTxRequest)
	}
	if r.To == (common.Address{}) {
		return fmt.Errorf("%w: empty recipient", ErrInvalidTxRequest)
	}
	if r.GasLimit == 0 {
		return fmt.Errorf("%w: zero gas limit", ErrInvalidTxRequest)
	}
	if r.Value != nil && r.Value.Sign() < 0 {
		return fmt.Errorf("%w: negative value", ErrInvalidTxRequest)
	}
	return nil
}

// Submission is a TxRequest with the fields the scheduler fills in
type Submission struct {
	Request   *TxRequest
	Nonce     uint64
	GasTipCap *big.Int
	GasFeeCap *big.Int
}

// Outcome is the confirmed result of a transaction
type Outcome struct {
	TxHash      common.Hash `json:"txHash"`
	Success     bool        `json:"success"`
	BlockNumber uint64      `json:"blockNumber"`
	TxIndex     uint        `json:"txIndex"`
	FeePaid     *big.Int    `json:"feePaid"`
}

// Before reports whether o was included strictly before other
func (o *Outcome) Before(other *Outcome) bool {
	if o.BlockNumber != other.BlockNumber {
		return o.BlockNumber < other.BlockNumber
	}
	return o.TxIndex < other.TxIndex
}

type EventType uint8

const (
	EventBlock EventType = iota + 1
	EventPendingTx
)

func (t EventType) String() string {
	switch t {
	case EventBlock:
		return "block"
	case EventPendingTx:
		return "pending_tx"
	default:
		return "unknown"
	}
}

// Event is a single item of the chain event stream.
// Block events carry the block number, base fee and included transaction hashes,
// pending transaction events carry the transaction fields used by detection.
type Event struct {
	Type        EventType
	BlockNumber uint64
	Hash        common.Hash
	BaseFee     *big.Int
	TxHashes    []common.Hash

	From  common.Address
	To    *common.Address
	Data  []byte
	Value *big.Int
	// Fee is the declared max fee per gas (gas price for legacy transactions)
	Fee *big.Int

	ReceivedAt time.Time
}

// Selector returns the first 4 bytes of the calldata
func (e *Event) Selector() []byte {
	if len(e.Data) < 4 {
		return nil
	}
	return e.Data[:4]
}

package action

// Intent is the closed set of things a player can try to do in the bazaar.
type Intent string

const (
	IntentBuyItem   Intent = "buy_item"
	IntentNegotiate Intent = "negotiate"
	IntentAskInfo   Intent = "ask_info"
	IntentGiveItem  Intent = "give_item"
	IntentMove      Intent = "move"
	IntentInteract  Intent = "interact"
	IntentGreet     Intent = "greet"
	IntentUnknown   Intent = "unknown"
)

// ParseIntent maps a raw tag to an Intent. Anything unrecognised is IntentUnknown.
func ParseIntent(s string) Intent {
	switch i := Intent(s); i {
	case IntentBuyItem, IntentNegotiate, IntentAskInfo, IntentGiveItem,
		IntentMove, IntentInteract, IntentGreet:
		return i
	default:
		return IntentUnknown
	}
}

// MutatesWorld reports whether executing the intent can change world state.
// Mutation-free intents still run when verification fails so the NPC can answer.
func (i Intent) MutatesWorld() bool {
	switch i {
	case IntentAskInfo, IntentInteract, IntentUnknown:
		return false
	default:
		return true
	}
}

type Tense string

const (
	TensePresent     Tense = "present"
	TensePast        Tense = "past"
	TenseConditional Tense = "conditional"
	TenseFuture      Tense = "future"
)

type Politeness string

const (
	PolitenessNeutral Politeness = "neutral"
	PolitenessPolite  Politeness = "polite"
	PolitenessRude    Politeness = "rude"
)

// Grammar construct tags reported by interpreters.
const (
	ConstructPlease      = "please"
	ConstructWouldLike   = "would_like"
	ConstructCouldI      = "could_i"
	ConstructMayI        = "may_i"
	ConstructThankYou    = "thank_you"
	ConstructExcuseMe    = "excuse_me"
	ConstructIf          = "conditional_if"
	ConstructWould       = "would"
	ConstructCould       = "could"
	ConstructMight       = "might"
	ConstructBecause     = "because_reason"
	ConstructSince       = "since"
	ConstructTherefore   = "therefore"
	FeedbackBeMorePolite = "be_more_polite"
	FeedbackUnclear      = "unclear_intent"
	FeedbackNoQuantity   = "missing_quantity"
	FeedbackParseError   = "json_parse_error"
	FeedbackRetryNeeded  = "retry_needed"
)

var (
	PoliteConstructs      = []string{ConstructPlease, ConstructWouldLike, ConstructCouldI, ConstructMayI, ConstructThankYou}
	ConditionalConstructs = []string{ConstructIf, ConstructWould, ConstructCould, ConstructMight}
	CausalConstructs      = []string{ConstructBecause, ConstructSince, ConstructTherefore}
)

type GrammarFeatures struct {
	Tense      Tense      `json:"tense"`
	Politeness Politeness `json:"politeness"`
	Constructs []string   `json:"required_constructs_present"`
}

// Has reports whether any of the given constructs were detected.
func (g GrammarFeatures) Has(constructs ...string) bool {
	for _, want := range constructs {
		for _, got := range g.Constructs {
			if got == want {
				return true
			}
		}
	}
	return false
}

// Entities are the optional arguments of an action.
type Entities struct {
	Item     *string `json:"item"`
	Quantity *int    `json:"quantity"`
	Target   *string `json:"target"`
}

func (e Entities) ItemName() string {
	if e.Item == nil {
		return ""
	}
	return *e.Item
}

func (e Entities) TargetID() string {
	if e.Target == nil {
		return ""
	}
	return *e.Target
}

// QuantityOr returns the quantity, or def when none was given.
func (e Entities) QuantityOr(def int) int {
	if e.Quantity == nil {
		return def
	}
	return *e.Quantity
}

// ParsedAction is what an interpreter made of one utterance.
type ParsedAction struct {
	Intent              Intent          `json:"intent"`
	Entities            Entities        `json:"entities"`
	Grammar             GrammarFeatures `json:"grammar_features"`
	Confidence          float64         `json:"confidence"`
	CanonicalTranscript string          `json:"canonical_transcript"`
	FeedbackKeys        []string        `json:"feedback_keys"`
}

// Unknown builds the fallback action used when an utterance cannot be interpreted.
func Unknown(transcript string, feedbackKeys ...string) *ParsedAction {
	return &ParsedAction{
		Intent:              IntentUnknown,
		Grammar:             GrammarFeatures{Tense: TensePresent, Politeness: PolitenessNeutral},
		CanonicalTranscript: transcript,
		FeedbackKeys:        feedbackKeys,
	}
}

// Clone returns a deep copy of the action.
func (a *ParsedAction) Clone() *ParsedAction {
	if a == nil {
		return nil
	}
	out := *a
	if a.Entities.Item != nil {
		out.Entities.Item = Ptr(*a.Entities.Item)
	}
	if a.Entities.Quantity != nil {
		out.Entities.Quantity = Ptr(*a.Entities.Quantity)
	}
	if a.Entities.Target != nil {
		out.Entities.Target = Ptr(*a.Entities.Target)
	}
	out.Grammar.Constructs = append(a.Grammar.Constructs[:0:0], a.Grammar.Constructs...)
	out.FeedbackKeys = append(a.FeedbackKeys[:0:0], a.FeedbackKeys...)
	return &out
}

// Normalize clamps confidence into [0,1] and fills zero-valued enums.
func (a *ParsedAction) Normalize() {
	a.Intent = ParseIntent(string(a.Intent))
	if a.Confidence < 0 {
		a.Confidence = 0
	}
	if a.Confidence > 1 {
		a.Confidence = 1
	}
	switch a.Grammar.Tense {
	case TensePresent, TensePast, TenseConditional, TenseFuture:
	default:
		a.Grammar.Tense = TensePresent
	}
	switch a.Grammar.Politeness {
	case PolitenessNeutral, PolitenessPolite, PolitenessRude:
	default:
		a.Grammar.Politeness = PolitenessNeutral
	}
	if a.Grammar.Constructs == nil {
		a.Grammar.Constructs = []string{}
	}
	if a.FeedbackKeys == nil {
		a.FeedbackKeys = []string{}
	}
}

// HasFeedbackKey reports whether key was attached by the interpreter.
func (a *ParsedAction) HasFeedbackKey(key string) bool {
	for _, k := range a.FeedbackKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Ptr is a small helper for building optional entity fields.
func Ptr[T any](v T) *T {
	return &v
}

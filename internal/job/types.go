package job

import "context"

// Kind identifies what a queue message asks the worker to do.
type Kind string

const (
	KindImport              Kind = "import"
	KindFederationGenerate  Kind = "genFed"
	KindStashGenerate       Kind = "genStash"
	KindToyImport           Kind = "importToy"
	KindUnityBundleGenerate Kind = "genUnityBundle"
)

// SkipPostProcessing lists toy-import post-processing stages to skip.
type SkipPostProcessing struct {
	Tree bool `json:"tree,omitempty"`
}

// Descriptor is the decoded, immutable description of one job.
type Descriptor struct {
	Kind       Kind
	Database   string
	Project    string
	Owner      string
	RawCommand string
	Tokens     []string

	// SourceFile is the descriptor file referenced by import/genFed.
	SourceFile string

	// ToyFed names a toy model directory imported after a successful genFed.
	ToyFed string

	// ModelDir and Skip apply to importToy only.
	ModelDir string
	Skip     SkipPostProcessing
}

// Message is one delivery handed to a handler.
type Message struct {
	Queue         string
	Body          []byte
	CorrelationID string
	AppID         string
}

// Replier publishes status messages for the delivery it was created for.
// Reply acknowledges the delivery iff terminal is true; ReplyTo publishes a
// terminal message to another queue and acknowledges the delivery.
type Replier interface {
	Reply(ctx context.Context, status Status, terminal bool) error
	ReplyTo(ctx context.Context, queue string, status Status) error
}

// Handler processes a single message and must emit exactly one terminal reply.
type Handler interface {
	Handle(ctx context.Context, msg Message, r Replier)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message, r Replier)

func (f HandlerFunc) Handle(ctx context.Context, msg Message, r Replier) { f(ctx, msg, r) }

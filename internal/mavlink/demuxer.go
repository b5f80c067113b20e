package mavlink

import (
	"sync"
	"sync/atomic"

	"github.com/sensyn-robotics/vsm-go/internal/kernel"
)

// WildcardID matches any system or component ID when registering a
// handler.
const WildcardID = -1

// Handler processes one decoded Frame.
type Handler func(f *Frame)

// HandlerToken identifies a registered handler for later Unregister.
type HandlerToken uint64

type handlerEntry struct {
	token   HandlerToken
	sysID   int
	compID  int
	handler Handler
	proc    *kernel.Container // non-nil: invoke via this container instead of inline
}

// Demuxer dispatches decoded Frames to handlers registered against a
// (messageID, systemID, componentID) key, where systemID/componentID may
// be WildcardID. Lookup tries the most specific registration first:
// (sys,comp) -> (sys,*) -> (*,comp) -> (*,*) -> the default handler.
type Demuxer struct {
	mu       sync.RWMutex
	handlers map[uint32][]*handlerEntry
	def      Handler
	nextTok  atomic.Uint64

	Stats Stats
}

// NewDemuxer creates an empty Demuxer.
func NewDemuxer() *Demuxer {
	return &Demuxer{handlers: make(map[uint32][]*handlerEntry)}
}

// Register attaches handler to frames matching messageID and the given
// system/component IDs (WildcardID matches any). If proc is non-nil, the
// handler runs as the processing phase of a new kernel.Request submitted
// to proc instead of inline on the dispatching goroutine -- used to
// bridge a frame arriving on the I/O dispatcher's goroutine into a
// vehicle driver's own processing context.
func (d *Demuxer) Register(messageID uint32, systemID, componentID int, proc *kernel.Container, handler Handler) HandlerToken {
	d.mu.Lock()
	defer d.mu.Unlock()
	tok := HandlerToken(d.nextTok.Add(1))
	d.handlers[messageID] = append(d.handlers[messageID], &handlerEntry{
		token: tok, sysID: systemID, compID: componentID, handler: handler, proc: proc,
	})
	return tok
}

// RegisterDefault attaches the fallback handler invoked when no
// registration matches a frame's message/system/component.
func (d *Demuxer) RegisterDefault(handler Handler) {
	d.mu.Lock()
	d.def = handler
	d.mu.Unlock()
}

// Unregister removes a previously registered handler by token.
func (d *Demuxer) Unregister(messageID uint32, tok HandlerToken) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.handlers[messageID]
	for i, e := range entries {
		if e.token == tok {
			d.handlers[messageID] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// Dispatch delivers f to every handler registered at the single most
// specific matching level -- (sys,comp), then (sys,*), then (*,comp),
// then (*,*) -- stopping at the first level with any match. It falls
// back to the default handler only when no level matches at all.
func (d *Demuxer) Dispatch(f *Frame) {
	d.mu.RLock()
	entries := d.handlers[f.MessageID]
	def := d.def
	d.mu.RUnlock()

	for _, level := range specificityOrder(int(f.SystemID), int(f.ComponentID)) {
		matched := false
		for _, e := range entries {
			if e.sysID == level.sys && e.compID == level.comp {
				matched = true
				d.invoke(e, f)
			}
		}
		if matched {
			d.Stats.Handled++
			return
		}
	}

	d.Stats.NoHandler++
	if def != nil {
		def(f)
	}
}

type specLevel struct{ sys, comp int }

func specificityOrder(sys, comp int) []specLevel {
	return []specLevel{
		{sys, comp},
		{sys, WildcardID},
		{WildcardID, comp},
		{WildcardID, WildcardID},
	}
}

func (d *Demuxer) invoke(e *handlerEntry, f *Frame) {
	if e.proc == nil {
		e.handler(f)
		return
	}
	req := kernel.NewRequest()
	_ = req.SetProcessingHandler(func(r *kernel.Request) {
		e.handler(f)
		_ = r.Complete(kernel.ResultOK)
	})
	e.proc.Submit(req)
}

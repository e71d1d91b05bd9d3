package sockchan

import (
	"fmt"

	"github.com/pkg/errors"
)

// Stage is one step of a connection's inbound path. Each event handler
// decides whether to pass the event on through the StageContext.
//
// Stages are invoked on the connection's loop only.
type Stage interface {
	Read(sc *StageContext, msg any)
	Inactive(sc *StageContext)
	Error(sc *StageContext, err error)
}

// StageAdapter forwards every event unchanged. Embed it to implement only
// the handlers a stage cares about.
type StageAdapter struct{}

// Read forwards msg to the next stage.
func (StageAdapter) Read(sc *StageContext, msg any) { sc.FireRead(msg) }

// Inactive forwards the event to the next stage.
func (StageAdapter) Inactive(sc *StageContext) { sc.FireInactive() }

// Error forwards err to the next stage.
func (StageAdapter) Error(sc *StageContext, err error) { sc.FireError(err) }

// stageAdded is implemented by stages that want to know when they enter a pipeline.
type stageAdded interface {
	StageAdded(sc *StageContext)
}

// StageContext binds a Stage to its position in a Pipeline.
type StageContext struct {
	name     string
	stage    Stage
	pipeline *Pipeline

	prev, next *StageContext
	removed    bool
}

// Name returns the name the stage was registered under.
func (sc *StageContext) Name() string { return sc.name }

// Pipeline returns the owning pipeline.
func (sc *StageContext) Pipeline() *Pipeline { return sc.pipeline }

// Removed reports whether the stage has been removed from the pipeline.
func (sc *StageContext) Removed() bool { return sc.removed }

// FireRead passes msg to the next stage. It still works after the stage
// was removed: events continue from the position it occupied.
func (sc *StageContext) FireRead(msg any) {
	sc.next.invokeRead(msg)
}

// FireInactive passes the inactive event to the next stage.
func (sc *StageContext) FireInactive() {
	sc.next.invokeInactive()
}

// FireError passes err to the next stage.
func (sc *StageContext) FireError(err error) {
	sc.next.invokeError(err)
}

func (sc *StageContext) invokeRead(msg any) {
	defer sc.recoverInto("read")
	sc.stage.Read(sc, msg)
}

func (sc *StageContext) invokeInactive() {
	defer sc.recoverInto("inactive")
	sc.stage.Inactive(sc)
}

func (sc *StageContext) invokeError(err error) {
	defer func() {
		if r := recover(); r != nil {
			sc.pipeline.logger.Error("stage panicked while handling error",
				"stage", sc.name, "panic", fmt.Sprint(r), "error", err)
		}
	}()
	sc.stage.Error(sc, err)
}

// recoverInto turns a panic raised by the stage into an error event
// delivered to the same stage.
func (sc *StageContext) recoverInto(event string) {
	if r := recover(); r != nil {
		err, ok := r.(error)
		if !ok {
			err = errors.Errorf("%v", r)
		}
		sc.invokeError(errors.Wrapf(err, "stage %q panicked on %s", sc.name, event))
	}
}

// Pipeline is the ordered inbound path of a connection. Mutation and event
// delivery are confined to the connection's loop, so it carries no lock.
type Pipeline struct {
	head, tail *StageContext
	byName     map[string]*StageContext
	logger     Logger
}

// NewPipeline returns an empty pipeline. A nil logger selects the default logger.
func NewPipeline(logger Logger) *Pipeline {
	logger = loggerOrDefault(logger)
	p := &Pipeline{byName: make(map[string]*StageContext), logger: logger}
	p.head = &StageContext{name: "head", stage: StageAdapter{}, pipeline: p}
	p.tail = &StageContext{name: "tail", stage: tailStage{logger: logger}, pipeline: p}
	p.head.next = p.tail
	p.tail.prev = p.head
	return p
}

// AddFirst inserts s at the front of the pipeline.
func (p *Pipeline) AddFirst(name string, s Stage) error {
	return p.insertAfter(p.head, name, s)
}

// AddLast appends s to the end of the pipeline.
func (p *Pipeline) AddLast(name string, s Stage) error {
	return p.insertAfter(p.tail.prev, name, s)
}

// AddAfter inserts s immediately after the stage named base.
func (p *Pipeline) AddAfter(base, name string, s Stage) error {
	at, ok := p.byName[base]
	if !ok {
		return errors.Errorf("pipeline: no stage named %q", base)
	}
	return p.insertAfter(at, name, s)
}

func (p *Pipeline) insertAfter(at *StageContext, name string, s Stage) error {
	if s == nil {
		return errors.Errorf("pipeline: nil stage %q", name)
	}
	if _, dup := p.byName[name]; dup {
		return errors.Errorf("pipeline: duplicate stage name %q", name)
	}

	sc := &StageContext{name: name, stage: s, pipeline: p, prev: at, next: at.next}
	at.next.prev = sc
	at.next = sc
	p.byName[name] = sc

	if a, ok := s.(stageAdded); ok {
		a.StageAdded(sc)
	}
	return nil
}

// Remove unlinks the stage named name. The removed StageContext keeps its
// forward link so it can still fire events downstream.
func (p *Pipeline) Remove(name string) error {
	sc, ok := p.byName[name]
	if !ok {
		return errors.Errorf("pipeline: no stage named %q", name)
	}
	delete(p.byName, name)
	sc.prev.next = sc.next
	sc.next.prev = sc.prev
	sc.removed = true
	return nil
}

// Get returns the stage registered under name, or nil.
func (p *Pipeline) Get(name string) Stage {
	if sc, ok := p.byName[name]; ok {
		return sc.stage
	}
	return nil
}

// Context returns the StageContext of the stage registered under name, or nil.
func (p *Pipeline) Context(name string) *StageContext {
	return p.byName[name]
}

// Names lists stage names from head to tail.
func (p *Pipeline) Names() []string {
	var names []string
	for sc := p.head.next; sc != p.tail; sc = sc.next {
		names = append(names, sc.name)
	}
	return names
}

// FireRead delivers an inbound unit to the first stage.
func (p *Pipeline) FireRead(msg any) { p.head.FireRead(msg) }

// FireInactive delivers the inactive event to the first stage.
func (p *Pipeline) FireInactive() { p.head.FireInactive() }

// FireError delivers err to the first stage.
func (p *Pipeline) FireError(err error) { p.head.FireError(err) }

// tailStage terminates the pipeline: unhandled units are released and
// unhandled errors logged.
type tailStage struct {
	logger Logger
}

func (t tailStage) Read(_ *StageContext, msg any) {
	t.logger.Debug("discarded inbound message that reached the end of the pipeline",
		"type", fmt.Sprintf("%T", msg))
	release(msg)
}

func (tailStage) Inactive(*StageContext) {}

func (t tailStage) Error(_ *StageContext, err error) {
	t.logger.Warn("unhandled pipeline error", "error", err)
}

package session

import (
	"context"
	"crypto/subtle"
	"strings"
	"sync"
	"time"

	"DeviceBridge/internal/adapter"
	"DeviceBridge/internal/speaker"

	"github.com/sirupsen/logrus"
)

const (
	minPairCodeLength = 4
	listenerBuffer    = 8
)

type Options struct {
	// PairCode is the code the host currently advertises.
	PairCode     string
	Capabilities ResourceFlags
	Adapters     map[Resource]adapter.Adapter
	Persister    Persister
	// Resume restores a pairing persisted by a previous run.
	Resume *PairingRecord
	Logger logrus.FieldLogger
	Now    func() time.Time
}

// Controller owns the host session and is the only component that talks to
// resource adapters. Apply and Unpair run one at a time, in submission order,
// on the dispatch loop.
type Controller struct {
	adapters  map[Resource]adapter.Adapter
	caps      ResourceFlags
	hostCode  string
	persister Persister
	log       logrus.FieldLogger
	now       func() time.Time

	mu        sync.Mutex
	state     Status
	listeners map[chan Status]struct{}
	recordSeq uint64

	// persistMu orders writes to the persister; savedSeq is the newest
	// record written.
	persistMu sync.Mutex
	savedSeq  uint64

	ops       chan operation
	stop      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once
}

type operation struct {
	ctx  context.Context
	run  func(ctx context.Context) (Status, error)
	resp chan opResult
}

type opResult struct {
	status Status
	err    error
}

// pendingRecord is a pairing snapshot stamped in mutation order.
type pendingRecord struct {
	seq uint64
	rec PairingRecord
}

func NewController(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	adapters := make(map[Resource]adapter.Adapter, len(opts.Adapters))
	for r, a := range opts.Adapters {
		if a != nil {
			adapters[r] = a
		}
	}

	c := &Controller{
		adapters:  adapters,
		caps:      opts.Capabilities,
		hostCode:  opts.PairCode,
		persister: opts.Persister,
		log:       opts.Logger.WithField("component", "session"),
		now:       opts.Now,
		listeners: map[chan Status]struct{}{},
		ops:       make(chan operation),
		stop:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}

	c.state = Status{
		ConnectionState: NotPaired,
		Capabilities:    opts.Capabilities,
		PhoneCameraMeta: CameraMeta{Lens: adapter.LensBack, OrientationMode: adapter.OrientationAuto},
		Issues:          []Issue{},
		RouteHints:      map[Resource]string{},
		UpdatedAt:       c.now().UTC(),
	}
	if rec := opts.Resume; rec != nil {
		c.state.PhoneIdentity = rec.Identity
		if rec.Paired {
			c.state.Paired = true
			c.state.PairCode = stringPtr(rec.PairCode)
			c.state.ConnectionState = Paired
			c.log.WithField("device_name", rec.Identity.DeviceName).Info("resumed persisted pairing")
		}
	}
	c.pushIdentityLocked()
	c.state.RouteHints = c.routeHints()
	c.state.HostStatus = hostStatusLabel(c.state)

	go c.dispatchLoop()
	return c
}

func (c *Controller) dispatchLoop() {
	defer close(c.loopDone)
	for {
		select {
		case <-c.stop:
			return
		case op := <-c.ops:
			start := time.Now()
			status, err := op.run(op.ctx)
			op.resp <- opResult{status: status, err: err}
			c.log.WithField("duration", time.Since(start)).Debug("session operation finished")
		}
	}
}

// submit queues fn behind every earlier operation and waits for its result.
// ctx bounds only the wait for a queue slot. Once queued, fn runs to
// completion with cancellation detached so adapters are never left half
// started.
func (c *Controller) submit(ctx context.Context, fn func(ctx context.Context) (Status, error)) (Status, error) {
	op := operation{ctx: context.WithoutCancel(ctx), run: fn, resp: make(chan opResult, 1)}
	select {
	case c.ops <- op:
	case <-c.stop:
		return Status{}, ErrControllerClosed
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	res := <-op.resp
	return res.status, res.err
}

// Status returns a deep copy of the current session.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Pair completes pairing when code matches the host's current pair code.
func (c *Controller) Pair(code string, meta PhoneMetadata) (Status, error) {
	if len(code) < minPairCodeLength || subtle.ConstantTimeCompare([]byte(code), []byte(c.hostCode)) != 1 {
		c.log.Warn("pair attempt rejected: pair code mismatch")
		return Status{}, ErrInvalidPairCode
	}

	hints := c.routeHints()

	c.mu.Lock()
	c.state.Paired = true
	c.state.PairCode = stringPtr(code)
	c.state.ConnectionState = Paired
	meta.mergeInto(&c.state.PhoneIdentity)
	c.pushIdentityLocked()
	c.state.RouteHints = hints
	c.state.HostStatus = hostStatusLabel(c.state)
	c.touchLocked()
	snap, rec := c.state.clone(), c.recordLocked()
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"device_name": snap.PhoneIdentity.DeviceName,
		"device_id":   snap.PhoneIdentity.DeviceID,
	}).Info("phone paired")

	c.persist(rec)
	c.publish(snap)
	return snap, nil
}

// Unpair stops every active resource and forgets the pairing. The last known
// phone identity is kept. Adapter failures during teardown are logged only.
func (c *Controller) Unpair(ctx context.Context) (Status, error) {
	return c.submit(ctx, c.unpair)
}

func (c *Controller) unpair(ctx context.Context) (Status, error) {
	c.mu.Lock()
	active := c.state.Resources
	c.mu.Unlock()

	for _, r := range Resources {
		c.stopResource(ctx, r, active.Get(r))
	}

	c.mu.Lock()
	c.state.Paired = false
	c.state.PairCode = nil
	c.state.CameraStreamURL = nil
	c.state.Issues = []Issue{}
	c.state.Resources = ResourceFlags{}
	c.state.ConnectionState = NotPaired
	c.state.HostStatus = hostStatusLabel(c.state)
	c.touchLocked()
	snap, rec := c.state.clone(), c.recordLocked()
	c.mu.Unlock()

	c.log.Info("phone unpaired")
	c.persist(rec)
	c.publish(snap)
	return snap, nil
}

// NotePresence records identity metadata sent before or after pairing.
// Empty or unchanged metadata returns the current status without notifying.
func (c *Controller) NotePresence(meta PhoneMetadata) Status {
	c.mu.Lock()
	if meta.empty() {
		snap := c.state.clone()
		c.mu.Unlock()
		return snap
	}
	id := c.state.PhoneIdentity
	if !meta.mergeInto(&id) {
		snap := c.state.clone()
		c.mu.Unlock()
		return snap
	}
	c.state.PhoneIdentity = id
	c.pushIdentityLocked()
	c.touchLocked()
	snap, rec := c.state.clone(), c.recordLocked()
	c.mu.Unlock()

	c.log.WithField("device_name", id.DeviceName).Debug("phone presence updated")
	c.persist(rec)
	c.publish(snap)
	return snap
}

// Apply converges the adapters on the desired state described by diff.
// Adapter failures never fail the call; they are reported as issues.
func (c *Controller) Apply(ctx context.Context, diff ResourceDiff) (Status, error) {
	return c.submit(ctx, func(ctx context.Context) (Status, error) {
		return c.converge(ctx, diff)
	})
}

func (c *Controller) converge(ctx context.Context, diff ResourceDiff) (Status, error) {
	c.mu.Lock()
	if !c.state.Paired {
		c.mu.Unlock()
		return Status{}, ErrNotPaired
	}
	prev := c.state.clone()

	requested := prev.Resources
	for r, want := range map[Resource]*bool{Camera: diff.Camera, Microphone: diff.Microphone, Speaker: diff.Speaker} {
		if want != nil {
			requested.Set(r, *want)
		}
	}

	meta := prev.PhoneCameraMeta
	if diff.CameraLens != nil {
		if lens, ok := adapter.ParseLens(*diff.CameraLens); ok {
			meta.Lens = lens
		}
	}
	if diff.CameraOrientationMode != nil {
		if o, ok := adapter.ParseOrientation(*diff.CameraOrientationMode); ok {
			meta.OrientationMode = o
		}
	}

	prevStream := stringValue(prev.CameraStreamURL)
	streamURL := prevStream
	if diff.CameraStreamURL != nil {
		streamURL = strings.TrimSpace(*diff.CameraStreamURL)
	}
	if !requested.Camera && !requested.Microphone {
		streamURL = ""
	}

	identityChanged := diff.Metadata.mergeInto(&c.state.PhoneIdentity)
	if identityChanged {
		c.pushIdentityLocked()
	}
	var rec pendingRecord
	if identityChanged {
		rec = c.recordLocked()
	}
	c.mu.Unlock()

	if identityChanged {
		c.persist(rec)
	}

	resourcesUnchanged := requested == prev.Resources
	streamUnchanged := streamURL == prevStream
	metaUnchanged := meta == prev.PhoneCameraMeta && !identityChanged
	healthy := c.runtimeHealthy(ctx, requested)

	if resourcesUnchanged && streamUnchanged && metaUnchanged && len(prev.Issues) == 0 && healthy {
		c.mu.Lock()
		c.state.HostStatus = hostStatusLabel(c.state)
		snap := c.state.clone()
		c.mu.Unlock()
		return snap, nil
	}

	c.log.WithFields(logrus.Fields{
		"camera":             requested.Camera,
		"microphone":         requested.Microphone,
		"speaker":            requested.Speaker,
		"resources_changed":  !resourcesUnchanged,
		"stream_changed":     !streamUnchanged,
		"runtime_healthy":    healthy,
		"stale_issue_count":  len(prev.Issues),
		"metadata_unchanged": metaUnchanged,
	}).Info("applying resource state")

	c.configureAdapters(streamURL, meta)
	applied, issues := c.applyResources(ctx, prev.Resources, requested, streamURL)
	hints := c.routeHints()

	c.mu.Lock()
	c.state.Resources = applied
	c.state.Issues = issues
	c.state.CameraStreamURL = stringPtr(streamURL)
	c.state.PhoneCameraMeta = meta
	if len(issues) > 0 {
		c.state.ConnectionState = NeedsAttention
	} else {
		c.state.ConnectionState = Paired
	}
	c.state.RouteHints = hints
	c.state.HostStatus = hostStatusLabel(c.state)
	c.touchLocked()
	snap := c.state.clone()
	c.mu.Unlock()

	c.publish(snap)
	return snap, nil
}

// runtimeHealthy reports whether every requested resource's adapter still
// claims to be running.
func (c *Controller) runtimeHealthy(ctx context.Context, requested ResourceFlags) bool {
	for _, r := range Resources {
		if !requested.Get(r) {
			continue
		}
		ad, ok := c.adapters[r]
		if !ok || !adapter.Probe(ctx, ad) {
			return false
		}
	}
	return true
}

func (c *Controller) configureAdapters(streamURL string, meta CameraMeta) {
	for _, r := range []Resource{Camera, Microphone} {
		ad, ok := c.adapters[r]
		if !ok {
			continue
		}
		ad.SetStreamURL(streamURL)
		if cc, ok := ad.(adapter.CameraConfigurer); ok {
			cc.SetCameraOptions(meta.Lens, meta.OrientationMode)
		}
	}
}

// applyResources walks camera, microphone and speaker in order. Camera goes
// first because microphone shares its transport on some platforms.
func (c *Controller) applyResources(ctx context.Context, prev, requested ResourceFlags, streamURL string) (ResourceFlags, []Issue) {
	var applied ResourceFlags
	issues := []Issue{}

	for _, r := range Resources {
		if !requested.Get(r) {
			c.stopResource(ctx, r, prev.Get(r))
			continue
		}

		ad, ok := c.adapters[r]
		if !c.caps.Get(r) || !ok {
			c.stopResource(ctx, r, prev.Get(r))
			issues = append(issues, Classify(r, ErrCapabilityMissing))
			continue
		}
		if (r == Camera || r == Microphone) && streamURL == "" {
			// Still running on the old URL otherwise.
			c.stopResource(ctx, r, prev.Get(r))
			issues = append(issues, Classify(r, ErrStreamURLRequired))
			continue
		}

		if err := ad.Start(ctx); err != nil {
			issue := Classify(r, err)
			c.log.WithError(&AdapterStartError{Resource: r, Err: err}).
				WithField("issue_kind", issue.Kind).
				Warn("resource failed to start")
			issues = append(issues, issue)
			continue
		}
		applied.Set(r, true)
	}
	return applied, issues
}

// stopResource stops r when it was active or its adapter still reports
// running. Errors are swallowed.
func (c *Controller) stopResource(ctx context.Context, r Resource, wasActive bool) {
	ad, ok := c.adapters[r]
	if !ok {
		return
	}
	if !wasActive && !reportsRunning(ctx, ad) {
		return
	}
	if err := ad.Stop(ctx); err != nil {
		c.log.WithError(err).WithField("resource", r).Warn("resource stop failed, ignoring")
	}
}

func reportsRunning(ctx context.Context, ad adapter.Adapter) bool {
	hc, ok := ad.(adapter.HealthChecker)
	if !ok {
		return false
	}
	running, err := hc.IsRunning(ctx)
	return err == nil && running
}

// AttachStream streams resource r into sink. The resource must be paired and active.
func (c *Controller) AttachStream(ctx context.Context, r Resource, sink speaker.Sink) error {
	c.mu.Lock()
	paired, active := c.state.Paired, c.state.Resources.Get(r)
	c.mu.Unlock()

	if !paired {
		return ErrNotPaired
	}
	if !active {
		return ErrResourceInactive
	}
	st, ok := c.adapters[r].(adapter.Streamer)
	if !ok {
		return ErrStreamUnsupported
	}
	return st.Stream(ctx, sink)
}

// Subscribe returns a channel receiving a snapshot after every change. Slow
// subscribers miss snapshots rather than block the controller.
func (c *Controller) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, listenerBuffer)
	c.mu.Lock()
	c.listeners[ch] = struct{}{}
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.listeners[ch]; ok {
			delete(c.listeners, ch)
			close(ch)
		}
	}
}

func (c *Controller) publish(snap Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.listeners {
		select {
		case ch <- snap.clone():
		default:
		}
	}
}

// Close stops the dispatch loop and every active adapter.
func (c *Controller) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		close(c.stop)
		<-c.loopDone

		c.mu.Lock()
		active := c.state.Resources
		c.mu.Unlock()
		for _, r := range Resources {
			c.stopResource(ctx, r, active.Get(r))
		}
	})
	return nil
}

func (c *Controller) pushIdentityLocked() {
	id := adapter.Identity{
		DeviceName: c.state.PhoneIdentity.DeviceName,
		DeviceID:   c.state.PhoneIdentity.DeviceID,
	}
	for _, ad := range c.adapters {
		ad.SetDeviceIdentity(id)
	}
}

func (c *Controller) routeHints() map[Resource]string {
	hints := map[Resource]string{}
	for r, ad := range c.adapters {
		if label := ad.DeviceLabel(); label != "" {
			hints[r] = label
		}
	}
	return hints
}

func (c *Controller) touchLocked() {
	c.state.UpdatedAt = c.now().UTC()
}

func (c *Controller) recordLocked() pendingRecord {
	c.recordSeq++
	return pendingRecord{
		seq: c.recordSeq,
		rec: PairingRecord{
			Paired:   c.state.Paired,
			PairCode: stringValue(c.state.PairCode),
			Identity: c.state.PhoneIdentity,
		},
	}
}

// persist writes p unless a newer snapshot already reached the persister.
// Pair and Unpair do not share the queue, so their writes can arrive out of
// mutation order.
func (c *Controller) persist(p pendingRecord) {
	if c.persister == nil {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	if p.seq <= c.savedSeq {
		c.log.WithField("seq", p.seq).Debug("dropping stale pairing snapshot")
		return
	}
	c.savedSeq = p.seq
	if err := c.persister.SavePairing(p.rec); err != nil {
		c.log.WithError(err).Warn("failed to persist pairing state")
	}
}

func hostStatusLabel(s Status) string {
	switch {
	case !s.Paired:
		return "Waiting for phone"
	case len(s.Issues) > 0:
		return "Needs attention"
	case s.Resources.Any():
		var active []string
		for _, r := range Resources {
			if s.Resources.Get(r) {
				active = append(active, string(r))
			}
		}
		return "Live: " + strings.Join(active, ", ")
	default:
		return "Connected"
	}
}

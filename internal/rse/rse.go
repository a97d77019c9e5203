// Package rse tracks the Rucio storage elements that hold input replicas and
// picks the merging site and replica for each file.
package rse

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/dune/merge-utils/internal/config"
	"github.com/dune/merge-utils/internal/logging"
)

var (
	// ErrNotFound is returned when no replica of a file can be read.
	ErrNotFound = errors.New("file not found")
	// ErrTooFar is returned when every replica is beyond the maximum distance.
	ErrTooFar = errors.New("file exceeds max distance")
)

var inf = math.Inf(1)

// Description is an RSE as listed by Rucio.
type Description struct {
	RSE              string `json:"rse"`
	AvailabilityRead bool   `json:"availability_read"`
	StagingArea      bool   `json:"staging_area"`
	Deleted          bool   `json:"deleted"`
}

// Catalog lists RSEs and their attributes.
type Catalog interface {
	ListRSEs(ctx context.Context) ([]Description, error)
	RSEAttributes(ctx context.Context, rse string) (map[string]any, error)
}

// PFNInfo describes one replica PFN.
type PFNInfo struct {
	RSE  string `json:"rse"`
	Type string `json:"type"`
}

// RSE holds the replicas found on one storage element.
type RSE struct {
	Name  string
	Valid bool
	// Disk and Tape map DIDs to PFNs.
	Disk map[string]string
	Tape map[string]string
	// Distances to merging sites.
	Distances map[string]float64
	// Nearline is added to the distance of replicas on tape.
	Nearline float64
	// Site is the RSE's site attribute.
	Site string
	// Ping is the round trip time in ms, +Inf when unknown.
	Ping float64
}

func newRSE(name string, valid bool, nearline float64) *RSE {
	return &RSE{
		Name:      name,
		Valid:     valid,
		Disk:      make(map[string]string),
		Tape:      make(map[string]string),
		Distances: make(map[string]float64),
		Nearline:  nearline,
		Ping:      inf,
	}
}

// Distance returns the distance to site, +Inf if unknown.
func (r *RSE) Distance(site string) float64 {
	if d, ok := r.Distances[site]; ok {
		return d
	}
	return inf
}

// NearestSite returns the closest site and its distance.
func (r *RSE) NearestSite() (string, float64) {
	best, dist := "", inf
	sites := make([]string, 0, len(r.Distances))
	for s := range r.Distances {
		sites = append(sites, s)
	}
	sort.Strings(sites)
	for _, s := range sites {
		if r.Distances[s] < dist {
			best, dist = s, r.Distances[s]
		}
	}
	return best, dist
}

// PFN returns the replica of did on this RSE.
func (r *RSE) PFN(did string) (string, bool) {
	if pfn, ok := r.Disk[did]; ok {
		return pfn, true
	}
	pfn, ok := r.Tape[did]
	return pfn, ok
}

// Choice is the replica picked for a file and its distance.
type Choice struct {
	PFN      string
	Distance float64
}

// Set keeps track of all RSEs. It is safe for concurrent AddPFN and
// AddReplicas calls.
type Set struct {
	cfg       config.SitesConfig
	catalog   Catalog
	distances Distances
	status    StatusChecker
	pinger    Pinger
	logger    *zap.Logger

	mu   sync.Mutex
	rses map[string]*RSE
	disk map[string]struct{}
	tape map[string]struct{}
}

// Option customizes a Set.
type Option func(*Set)

// WithStatusChecker replaces the default gfal/dCache status checker.
func WithStatusChecker(c StatusChecker) Option {
	return func(s *Set) { s.status = c }
}

// WithPinger measures the ping time of each RSE in Cleanup.
func WithPinger(p Pinger) Option {
	return func(s *Set) { s.pinger = p }
}

// NewSet creates an empty Set. Connect fills it.
func NewSet(cfg config.SitesConfig, catalog Catalog, distances Distances, logger *zap.Logger, opts ...Option) *Set {
	s := &Set{
		cfg:       cfg,
		catalog:   catalog,
		distances: distances,
		logger:    logging.OrNop(logger),
		rses:      make(map[string]*RSE),
		disk:      make(map[string]struct{}),
		tape:      make(map[string]struct{}),
	}
	s.status = NewPathStatus(s.logger)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect lists the RSEs from Rucio and their distances to the allowed
// sites from justIN.
func (s *Set) Connect(ctx context.Context) error {
	descs, err := s.catalog.ListRSEs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list RSEs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range descs {
		valid := d.AvailabilityRead && !d.StagingArea && !d.Deleted
		s.rses[d.RSE] = newRSE(d.RSE, valid, s.cfg.Nearline(d.RSE))
	}

	rows, err := s.distances.SiteStorages(ctx)
	if err != nil {
		return err
	}
	allowed := make(map[string]struct{}, len(s.cfg.AllowedSites))
	for _, site := range s.cfg.AllowedSites {
		allowed[site] = struct{}{}
	}
	for _, row := range rows {
		if !row.SiteEnabled || !row.RSERead {
			continue
		}
		if _, ok := allowed[row.Site]; !ok {
			continue
		}
		r, ok := s.rses[row.RSE]
		if !ok || !r.Valid {
			continue
		}
		r.Distances[row.Site] = 100 * row.Dist
	}

	accessible := 0
	for _, r := range s.rses {
		if _, d := r.NearestSite(); r.Valid && d <= s.cfg.MaxDistance {
			accessible++
		}
	}
	s.logger.Info(fmt.Sprintf("Found %d RSEs accessible from %d sites", accessible, len(s.cfg.AllowedSites)))
	return nil
}

// Get returns the named RSE.
func (s *Set) Get(name string) (*RSE, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rses[name]
	return r, ok
}

// Names returns the RSE names, sorted.
func (s *Set) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.rses))
	for name := range s.rses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddPFN records a replica and returns the distance from its RSE to the
// nearest site, +Inf when the replica cannot be read.
func (s *Set) AddPFN(ctx context.Context, did, pfn string, info PFNInfo) float64 {
	s.mu.Lock()
	r, ok := s.rses[info.RSE]
	s.mu.Unlock()
	if !ok {
		s.logger.Warn(fmt.Sprintf("RSE %s does not exist?", info.RSE))
		return inf
	}
	if !r.Valid {
		s.logger.Warn(fmt.Sprintf("RSE %s is invalid", info.RSE))
		return inf
	}
	_, dist := r.NearestSite()
	if dist > s.cfg.MaxDistance {
		s.logger.Warn(fmt.Sprintf("RSE %s is too far from merging sites (%g > %g)", info.RSE, dist, s.cfg.MaxDistance))
		return dist
	}

	status := StatusOnline
	if info.Type != "DISK" {
		status = s.status.Status(ctx, pfn)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch status {
	case StatusOnline:
		s.disk[did] = struct{}{}
		r.Disk[did] = pfn
	case StatusNearline:
		dist += r.Nearline
		if dist > s.cfg.MaxDistance {
			s.logger.Warn(fmt.Sprintf("RSE %s (tape) is too far from merging sites (%g > %g)", info.RSE, dist, s.cfg.MaxDistance))
			return dist
		}
		s.tape[did] = struct{}{}
		r.Tape[did] = pfn
	default:
		return inf
	}
	return dist
}

// AddReplicas checks every PFN of a file concurrently and returns how many
// are within the maximum distance.
func (s *Set) AddReplicas(ctx context.Context, did string, pfns map[string]PFNInfo) (int, error) {
	keys := make([]string, 0, len(pfns))
	for pfn := range pfns {
		keys = append(keys, pfn)
	}
	dists := make([]float64, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	for i, pfn := range keys {
		g.Go(func() error {
			dists[i] = s.AddPFN(gctx, did, pfn, pfns[pfn])
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	best, n := inf, 0
	for _, d := range dists {
		best = math.Min(best, d)
		if d <= s.cfg.MaxDistance {
			n++
		}
	}
	if best > s.cfg.MaxDistance {
		if math.IsInf(best, 1) {
			s.logger.Error(fmt.Sprintf("Could not retrieve file %s from Rucio", did))
			return 0, fmt.Errorf("%w: %s", ErrNotFound, did)
		}
		s.logger.Error(fmt.Sprintf("File %s is too far from merging sites (%g > %g)", did, best, s.cfg.MaxDistance))
		return 0, fmt.Errorf("%w: %s", ErrTooFar, did)
	}
	return n, nil
}

// Paths returns the replicas of did by RSE.
func (s *Set) Paths(did string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make(map[string]string)
	for name, r := range s.rses {
		if pfn, ok := r.PFN(did); ok {
			paths[name] = pfn
		}
	}
	return paths
}

// Cleanup drops RSEs without files, looks up the site of the others and logs
// what was found.
func (s *Set) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	for name, r := range s.rses {
		if len(r.Disk) == 0 && len(r.Tape) == 0 {
			delete(s.rses, name)
		}
	}
	rses := make([]*RSE, 0, len(s.rses))
	for _, r := range s.rses {
		rses = append(rses, r)
	}
	nDisk := len(s.disk)
	nTape := 0
	for did := range s.tape {
		if _, ok := s.disk[did]; !ok {
			nTape++
		}
	}
	s.mu.Unlock()

	sort.Slice(rses, func(i, j int) bool {
		if len(rses[i].Disk) != len(rses[j].Disk) {
			return len(rses[i].Disk) > len(rses[j].Disk)
		}
		return rses[i].Name < rses[j].Name
	})

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d ONLINE (%d NEARLINE) %s from %s:",
		nDisk, nTape, logging.Plural("file{s}", nDisk), logging.Plural("{n} RSE{s}", len(rses)))
	for _, r := range rses {
		fmt.Fprintf(&b, "\n  %s: %d (%d) files", r.Name, len(r.Disk), len(r.Tape))

		attrs, err := s.catalog.RSEAttributes(ctx, r.Name)
		if err != nil {
			return fmt.Errorf("failed to get attributes of RSE %s: %w", r.Name, err)
		}
		if site, ok := attrs["site"].(string); ok {
			r.Site = site
		}
		if pfn, ok := r.pingPFN(); ok && s.pinger != nil {
			r.Ping = s.pinger.Ping(ctx, pfn)
		}
	}
	s.logger.Info(b.String())
	return nil
}

// pingPFN picks a PFN to ping: a disk replica if there is one, else a tape
// replica. The lowest DID wins.
func (r *RSE) pingPFN() (string, bool) {
	for _, pfns := range []map[string]string{r.Disk, r.Tape} {
		if len(pfns) == 0 {
			continue
		}
		dids := make([]string, 0, len(pfns))
		for did := range pfns {
			dids = append(dids, did)
		}
		sort.Strings(dids)
		return pfns[dids[0]], true
	}
	return "", false
}

// SitePFNs picks the nearest replica of each DID as seen from site. DIDs
// without a replica within the maximum distance get +Inf.
func (s *Set) SitePFNs(site string, dids []string) map[string]Choice {
	s.mu.Lock()
	defer s.mu.Unlock()

	pfns := make(map[string]Choice, len(dids))
	for _, did := range dids {
		pfns[did] = Choice{Distance: inf}
	}

	names := make([]string, 0, len(s.rses))
	for name := range s.rses {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		r := s.rses[name]
		dist := r.Distance(site)
		if dist > s.cfg.MaxDistance {
			s.logger.Debug(fmt.Sprintf("RSE %s is too far away from site %s (%g > %g)", name, site, dist, s.cfg.MaxDistance))
			continue
		}
		for did, pfn := range r.Disk {
			if c, ok := pfns[did]; ok && dist < c.Distance {
				pfns[did] = Choice{PFN: pfn, Distance: dist}
			}
		}

		dist += r.Nearline
		if dist > s.cfg.MaxDistance {
			s.logger.Debug(fmt.Sprintf("RSE %s (tape) is too far away from site %s (%g > %g)", name, site, dist, s.cfg.MaxDistance))
			continue
		}
		for did, pfn := range r.Tape {
			if c, ok := pfns[did]; ok && dist < c.Distance {
				pfns[did] = Choice{PFN: pfn, Distance: dist}
			}
		}
	}
	return pfns
}

// DIDs returns every DID with a readable replica, sorted.
func (s *Set) DIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{}, len(s.disk)+len(s.tape))
	for did := range s.disk {
		seen[did] = struct{}{}
	}
	for did := range s.tape {
		seen[did] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for did := range seen {
		out = append(out, did)
	}
	sort.Strings(out)
	return out
}

// BestPFNs assigns the given DIDs to merging sites. When one site reaches
// every file, all files go there, picking the site with the least total
// distance. Otherwise each file goes to its nearest site. Files no site can
// reach make the result empty with ErrTooFar.
func (s *Set) BestPFNs(dids []string) (map[string]map[string]Choice, error) {
	if dids == nil {
		dids = s.DIDs()
	}

	sitePFNs := make(map[string]map[string]Choice, len(s.cfg.AllowedSites))
	bestSite, bestTotal := "", inf
	for _, site := range s.cfg.AllowedSites {
		pfns := s.SitePFNs(site, dids)
		sitePFNs[site] = pfns
		total := 0.0
		for _, c := range pfns {
			total += c.Distance
		}
		if total < bestTotal {
			bestSite, bestTotal = site, total
		}
	}
	if bestSite != "" {
		s.logger.Info(fmt.Sprintf("Site %s has the shortest distance to all files", bestSite))
		return map[string]map[string]Choice{bestSite: sitePFNs[bestSite]}, nil
	}

	s.logger.Info("No site found with access to all files")
	out := make(map[string]map[string]Choice)
	var far []string
	for _, did := range dids {
		site, best := "", inf
		for _, candidate := range s.cfg.AllowedSites {
			if c := sitePFNs[candidate][did]; c.Distance < best {
				site, best = candidate, c.Distance
			}
		}
		if best > s.cfg.MaxDistance {
			far = append(far, did)
			continue
		}
		if out[site] == nil {
			out[site] = make(map[string]Choice)
		}
		out[site][did] = sitePFNs[site][did]
	}

	if logging.List(s.logger, zapcore.ErrorLevel, "Excessive distance for {n} file{s}:", far) > 0 {
		s.logger.Error("Consider adjusting site distance limits!")
		return map[string]map[string]Choice{}, fmt.Errorf("%w: %d files", ErrTooFar, len(far))
	}
	return out, nil
}

// Package loader discovers a pipeline's fragment set on disk and
// assembles it into a pipeline.Pipeline (spec §4.1).
package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/chunkrun/chunkrun/pipeline"
)

// Manifest is the optional pipeline.yaml sidecar: ambient configuration
// the loader cannot derive from declared tensor shapes alone (spec §4.6
// prefill padding, §6 special token ids). Parsed with gopkg.in/yaml.v3,
// the teacher's config format.
type Manifest struct {
	Backend     string  `yaml:"backend"`
	PadTokenID  int64   `yaml:"pad_token_id"`
	BOSTokenID  int64   `yaml:"bos_token_id"`
	EOSTokenIDs []int64 `yaml:"eos_token_ids"`
}

func loadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, "pipeline.yaml")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Manifest{}, nil
	}
	if err != nil {
		return nil, &pipeline.ManifestMalformedError{Dir: dir, Reason: err.Error()}
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &pipeline.ManifestMalformedError{Dir: dir, Reason: err.Error()}
	}
	return &m, nil
}

var chunkSuffix = regexp.MustCompile(`_chunk_(\d+)of(\d+)$`)

func chunkIndex(baseName string) (int, bool) {
	m := chunkSuffix.FindStringSubmatch(baseName)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// naturalLess orders block-chunk filenames by their _chunk_NNofMM
// suffix's numeric index rather than lexicographically, so
// _chunk_02of10 sorts before _chunk_10of10 (spec §4.1). Names without a
// recognized suffix fall back to a plain string comparison, and always
// sort after any name that does have one.
func naturalLess(a, b string) bool {
	abase := strings.TrimSuffix(a, filepath.Ext(a))
	bbase := strings.TrimSuffix(b, filepath.Ext(b))
	ai, aok := chunkIndex(abase)
	bi, bok := chunkIndex(bbase)
	switch {
	case aok && bok:
		return ai < bi
	case aok:
		return true
	case bok:
		return false
	default:
		return a < b
	}
}

// countLayers reports how many contiguous k_cache_i inputs a block
// fragment declares, starting from k_cache_0. This is how the loader
// learns each fragment's layer count without any extra sidecar metadata
// — it is already implied by the fragment's own declared input bindings
// (spec §3, §4.2).
func countLayers(frag *pipeline.Fragment) (int, error) {
	n := 0
	for {
		name := fmt.Sprintf("k_cache_%d", n)
		found := false
		for _, spec := range frag.Model.Inputs() {
			if spec.Name == name {
				found = true
				break
			}
		}
		if !found {
			break
		}
		n++
	}
	if n == 0 {
		return 0, &pipeline.ShapeInconsistentError{Reason: fmt.Sprintf("fragment %q declares no k_cache_i inputs", frag.ID)}
	}
	return n, nil
}

// Load discovers every fragment under dir whose filename starts with
// prefix, loads each one, and wires them into a pipeline.Pipeline
// (spec §4.1).
//
// Discovery: a candidate whose lowercased filename contains "cache" is
// the cache updater; one containing "logit" is the logit sampler; if
// more than one file matches either, the lexicographically first name
// is used and the rest are logged and ignored. Everything else is a
// block-chunk candidate, sorted with naturalLess and assigned
// contiguous layer ranges via countLayers. The first
// block-chunk candidate (by that sort) must declare an input_ids input
// and the last must declare a logits output — spec §4.1's authoritative
// check on top of the sort-order heuristic.
//
// progress, if non-nil, is called once per fragment with a
// human-readable status and a completion fraction in [0, 1].
func Load(ctx context.Context, dir, prefix string, progress func(status string, fraction float64)) (*pipeline.Pipeline, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &pipeline.ManifestMalformedError{Dir: dir, Reason: err.Error()}
	}

	manifest, err := loadManifest(dir)
	if err != nil {
		return nil, err
	}

	backendName := manifest.Backend
	if backendName == "" {
		backendName, err = pipeline.DefaultBackend()
		if err != nil {
			return nil, err
		}
	}

	var candidateNames []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		candidateNames = append(candidateNames, e.Name())
	}
	if len(candidateNames) == 0 {
		return nil, &pipeline.ManifestMalformedError{Dir: dir, Reason: fmt.Sprintf("no files matching prefix %q", prefix)}
	}

	var cacheUpdaterCandidates, logitSamplerCandidates, blockNames []string
	for _, name := range candidateNames {
		lower := strings.ToLower(name)
		switch {
		case strings.Contains(lower, "cache"):
			cacheUpdaterCandidates = append(cacheUpdaterCandidates, name)
		case strings.Contains(lower, "logit"):
			logitSamplerCandidates = append(logitSamplerCandidates, name)
		default:
			blockNames = append(blockNames, name)
		}
	}
	if len(cacheUpdaterCandidates) == 0 {
		return nil, &pipeline.ManifestMalformedError{Dir: dir, Reason: `no cache-updater fragment found (expected a filename containing "cache")`}
	}
	if len(logitSamplerCandidates) == 0 {
		return nil, &pipeline.ManifestMalformedError{Dir: dir, Reason: `no logit-sampler fragment found (expected a filename containing "logit")`}
	}
	if len(blockNames) == 0 {
		return nil, &pipeline.ManifestMalformedError{Dir: dir, Reason: "no block-chunk fragments found"}
	}

	// More than one candidate for a singleton role is resolved by taking
	// the first lexicographic match (spec §4.1), not by failing: a stray
	// second "cache"/"logit" filename left in the fragment directory
	// should not stop discovery of the rest of the set.
	sort.Strings(cacheUpdaterCandidates)
	sort.Strings(logitSamplerCandidates)
	cacheUpdaterName := cacheUpdaterCandidates[0]
	logitSamplerName := logitSamplerCandidates[0]
	if len(cacheUpdaterCandidates) > 1 {
		logrus.WithFields(logrus.Fields{"candidates": cacheUpdaterCandidates, "chosen": cacheUpdaterName}).Warnf("loader: multiple cache-updater candidates, using first lexicographic match")
	}
	if len(logitSamplerCandidates) > 1 {
		logrus.WithFields(logrus.Fields{"candidates": logitSamplerCandidates, "chosen": logitSamplerName}).Warnf("loader: multiple logit-sampler candidates, using first lexicographic match")
	}

	sort.Slice(blockNames, func(i, j int) bool { return naturalLess(blockNames[i], blockNames[j]) })

	total := len(blockNames) + 2
	done := 0
	report := func(status string) {
		done++
		if progress != nil {
			progress(status, float64(done)/float64(total))
		}
	}

	openFragment := func(name string, role pipeline.Role) (*pipeline.Fragment, error) {
		path := filepath.Join(dir, name)
		m, err := pipeline.OpenModel(backendName, path)
		if err != nil {
			return nil, &pipeline.LoadFailedError{FragmentID: name, Cause: err}
		}
		if err := m.Load(ctx); err != nil {
			return nil, &pipeline.LoadFailedError{FragmentID: name, Cause: err}
		}
		logrus.WithFields(logrus.Fields{"fragment": name, "role": role.String()}).Infof("loader: fragment loaded")
		return &pipeline.Fragment{ID: name, Role: role, Model: m}, nil
	}

	cacheUpdaterFrag, err := openFragment(cacheUpdaterName, pipeline.RoleCacheUpdater)
	if err != nil {
		return nil, err
	}
	report("cache_updater")

	logitSamplerFrag, err := openFragment(logitSamplerName, pipeline.RoleLogitSampler)
	if err != nil {
		return nil, err
	}
	report("logit_sampler")

	blocks := make([]*pipeline.Fragment, 0, len(blockNames))
	running := 0
	for i, name := range blockNames {
		role := pipeline.RoleBlockChunk
		if i == 0 {
			role = pipeline.RoleEmbeddings
		}
		if i == len(blockNames)-1 {
			role = pipeline.RoleLMHead
		}
		frag, err := openFragment(name, role)
		if err != nil {
			return nil, err
		}
		n, err := countLayers(frag)
		if err != nil {
			return nil, err
		}
		frag.Range = pipeline.LayerRange{Start: running, End: running + n}
		running += n
		blocks = append(blocks, frag)
		report(fmt.Sprintf("block:%s", name))
	}

	if !blocks[0].IsEmbeddingsBearing() {
		return nil, &pipeline.ShapeInconsistentError{Reason: fmt.Sprintf("fragment %q sorts first but does not declare an input_ids input", blocks[0].ID)}
	}
	if !blocks[len(blocks)-1].IsLMHeadBearing() {
		return nil, &pipeline.ShapeInconsistentError{Reason: fmt.Sprintf("fragment %q sorts last but does not declare a logits output", blocks[len(blocks)-1].ID)}
	}

	cfg, err := pipeline.InferConfig(blocks[0], blocks[len(blocks)-1], blocks[0], running)
	if err != nil {
		return nil, err
	}
	cfg.PadTokenID = manifest.PadTokenID
	cfg.BOSTokenID = manifest.BOSTokenID
	cfg.EOSTokenIDs = manifest.EOSTokenIDs

	sampler := pipeline.NewFragmentSampler(logitSamplerFrag)

	p, err := pipeline.NewPipeline(blocks, cacheUpdaterFrag, sampler, cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}

package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/upb/oap-policy-engine/models"
	"github.com/upb/oap-policy-engine/policies"
	"github.com/upb/oap-policy-engine/services/rules"
)

// Source yields raw policy documents keyed by name. Names ending in .yaml or
// .yml are decoded as YAML; everything else as JSON.
type Source interface {
	Name() string
	Documents(ctx context.Context) (map[string][]byte, error)
}

// EmbeddedSource serves the policy packs compiled into the binary
type EmbeddedSource struct{}

func (EmbeddedSource) Name() string { return "embedded" }

func (EmbeddedSource) Documents(context.Context) (map[string][]byte, error) {
	return policies.Documents()
}

// DirSource reads *.json, *.yaml and *.yml files from a directory
type DirSource struct {
	Dir string
}

func (s DirSource) Name() string { return "dir:" + s.Dir }

func (s DirSource) Documents(context.Context) (map[string][]byte, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("read policy dir: %w", err)
	}
	docs := make(map[string][]byte)
	for _, e := range entries {
		if e.IsDir() || !isPolicyFile(e.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.Dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read policy file %s: %w", e.Name(), err)
		}
		docs[e.Name()] = data
	}
	return docs, nil
}

// S3API is the subset of the S3 client S3Source uses
type S3API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads policy documents stored under a bucket prefix
type S3Source struct {
	Client S3API
	Bucket string
	Prefix string
}

// ParseS3URI splits s3://bucket/prefix
func ParseS3URI(uri string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok || rest == "" {
		return "", "", fmt.Errorf("invalid s3 uri %q", uri)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("invalid s3 uri %q", uri)
	}
	return bucket, prefix, nil
}

func (s S3Source) Name() string { return "s3://" + s.Bucket + "/" + s.Prefix }

func (s S3Source) Documents(ctx context.Context) (map[string][]byte, error) {
	docs := make(map[string][]byte)
	p := s3.NewListObjectsV2Paginator(s.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(s.Prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list failed: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !isPolicyFile(key) {
				continue
			}
			out, err := s.Client.GetObject(ctx, &s3.GetObjectInput{
				Bucket: aws.String(s.Bucket),
				Key:    aws.String(key),
			})
			if err != nil {
				return nil, fmt.Errorf("s3 get failed for %s: %w", key, err)
			}
			data, err := io.ReadAll(out.Body)
			_ = out.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("s3 read failed for %s: %w", key, err)
			}
			docs[path.Base(key)] = data
		}
	}
	return docs, nil
}

func isPolicyFile(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// Loader decodes, checks and compiles policy documents
type Loader struct {
	meta       *jsonschema.Schema
	validators *rules.Registry
	logger     *zap.Logger
}

// NewLoader creates a loader compiling rules against validators
func NewLoader(validators *rules.Registry, logger *zap.Logger) (*Loader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validators == nil {
		validators = rules.NewRegistry()
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft7
	const url = "mem://policies/policy.schema.json"
	if err := c.AddResource(url, bytes.NewReader(policies.MetaSchema)); err != nil {
		return nil, fmt.Errorf("policy meta-schema: %w", err)
	}
	meta, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("policy meta-schema: %w", err)
	}
	return &Loader{meta: meta, validators: validators, logger: logger}, nil
}

// Parse decodes one document, checks it against the meta-schema and compiles it
func (l *Loader) Parse(name string, data []byte) (*Entry, error) {
	raw, err := toJSON(name, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if err := l.meta.Validate(doc); err != nil {
		return nil, fmt.Errorf("%s: policy document invalid: %w", name, err)
	}

	var p models.Policy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if p.Status == "" {
		p.Status = models.PolicyStatusActive
	}
	e, err := NewEntry(&p, l.validators)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return e, nil
}

// Load reads every source in order and returns a registry of all their
// documents. Any invalid document fails the whole load.
func (l *Loader) Load(ctx context.Context, sources ...Source) (*Registry, error) {
	reg := NewRegistry()
	for _, src := range sources {
		docs, err := src.Documents(ctx)
		if err != nil {
			return nil, fmt.Errorf("policy source %s: %w", src.Name(), err)
		}
		names := make([]string, 0, len(docs))
		for n := range docs {
			names = append(names, n)
		}
		sort.Strings(names)

		entries := make([]*Entry, 0, len(names))
		for _, n := range names {
			e, err := l.Parse(n, docs[n])
			if err != nil {
				return nil, fmt.Errorf("policy source %s: %w", src.Name(), err)
			}
			entries = append(entries, e)
		}
		if reg, err = reg.With(entries...); err != nil {
			return nil, fmt.Errorf("policy source %s: %w", src.Name(), err)
		}
		l.logger.Info("policies loaded",
			zap.String("source", src.Name()),
			zap.Int("count", len(entries)),
		)
	}
	return reg, nil
}

// toJSON returns data as JSON, converting YAML documents
func toJSON(name string, data []byte) ([]byte, error) {
	switch strings.ToLower(path.Ext(name)) {
	case ".yaml", ".yml":
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
		return json.Marshal(doc)
	}
	return data, nil
}

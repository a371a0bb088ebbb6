// Package ingest loads definition documents from the configured
// directories into the store and emits invalidation notifications for
// every change, so running caches converge without a restart.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"fateforge/internal/config"
	"fateforge/internal/lint"
	"fateforge/internal/parser"
	"fateforge/internal/patch"
	"fateforge/internal/store"
	"fateforge/internal/subscriber"
)

type Result struct {
	FilesParsed        int
	FilesSkipped       int
	VariablesUpserted  int
	ConditionsUpserted int
	EffectsUpserted    int
	DefinitionsPruned  int
	Issues             []lint.Issue
	Errors             []error
}

type Options struct {
	// Prune soft-deletes active definitions that no document declares
	// anymore, making the store mirror the document set.
	Prune bool
}

// Store is the slice of the definition store the pipeline writes to.
type Store interface {
	FetchActiveVariables(ctx context.Context, partition string) ([]store.Variable, error)
	FetchActiveConditions(ctx context.Context, partition string) ([]store.Condition, error)
	FetchActiveEffects(ctx context.Context, partition string) ([]store.Effect, error)
	UpsertVariable(ctx context.Context, v store.Variable) error
	UpsertCondition(ctx context.Context, c store.Condition) error
	UpsertEffect(ctx context.Context, e store.Effect) error
	SoftDeleteDefinition(ctx context.Context, key store.NodeKey) error
}

// Notifier publishes change notifications. A nil notifier disables them.
type Notifier interface {
	Publish(msg subscriber.Message)
}

func Run(ctx context.Context, cfg *config.ProjectConfig, db Store, notify Notifier, options Options) (*Result, error) {
	result := &Result{}

	docs, skipped, parseErrs, err := LoadDocuments(cfg.Definitions)
	if err != nil {
		return nil, err
	}
	result.FilesParsed = len(docs)
	result.FilesSkipped = skipped
	result.Errors = append(result.Errors, parseErrs...)

	validator := patch.NewValidator(cfg.Allowlist())
	report, err := lint.Run(ctx, cfg.Partition, docs, validator)
	if err != nil {
		return nil, fmt.Errorf("checking definitions: %w", err)
	}
	result.Issues = report.Issues
	if report.HasErrors() {
		// Nothing is written on a failed check; the store keeps serving
		// the previous definition set.
		return result, nil
	}

	declared := make(map[store.NodeKey]struct{})
	for _, doc := range docs {
		for _, v := range doc.Variables {
			v.Partition = cfg.Partition
			key := store.VariableKey(v.Scope, v.Name)
			declared[key] = struct{}{}
			if err := db.UpsertVariable(ctx, v); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("upserting %s: %w", key, err))
				continue
			}
			result.VariablesUpserted++
			publish(notify, cfg, key)
		}
		for _, c := range doc.Conditions {
			c.Partition = cfg.Partition
			key := store.ConditionKey(c.ID)
			declared[key] = struct{}{}
			if err := db.UpsertCondition(ctx, c); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("upserting %s: %w", key, err))
				continue
			}
			result.ConditionsUpserted++
			publish(notify, cfg, key)
		}
		for _, e := range doc.Effects {
			e.Partition = cfg.Partition
			key := store.EffectKey(e.ID)
			declared[key] = struct{}{}
			if err := db.UpsertEffect(ctx, e); err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("upserting %s: %w", key, err))
				continue
			}
			result.EffectsUpserted++
			publish(notify, cfg, key)
		}
	}

	if options.Prune {
		if err := prune(ctx, cfg, db, notify, declared, result); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// LoadDocuments parses every definition document under the given roots.
// Empty files are counted as skipped; per-file parse failures are collected
// so one bad document does not hide the rest.
func LoadDocuments(roots []string) ([]*parser.Document, int, []error, error) {
	files, err := walkDefinitionFiles(roots)
	if err != nil {
		return nil, 0, nil, err
	}

	var docs []*parser.Document
	var skipped int
	var errs []error
	for _, path := range files {
		doc, err := parser.ParseFile(path)
		if err != nil {
			if errors.Is(err, parser.ErrEmpty) {
				skipped++
				continue
			}
			errs = append(errs, fmt.Errorf("parsing %s: %w", path, err))
			continue
		}
		docs = append(docs, doc)
	}
	return docs, skipped, errs, nil
}

func prune(ctx context.Context, cfg *config.ProjectConfig, db Store, notify Notifier, declared map[store.NodeKey]struct{}, result *Result) error {
	var stale []store.NodeKey

	variables, err := db.FetchActiveVariables(ctx, cfg.Partition)
	if err != nil {
		return fmt.Errorf("listing variables: %w", err)
	}
	for _, v := range variables {
		if _, ok := declared[store.VariableKey(v.Scope, v.Name)]; !ok {
			stale = append(stale, store.VariableKey(v.Scope, v.Name))
		}
	}

	conditions, err := db.FetchActiveConditions(ctx, cfg.Partition)
	if err != nil {
		return fmt.Errorf("listing conditions: %w", err)
	}
	for _, c := range conditions {
		if _, ok := declared[store.ConditionKey(c.ID)]; !ok {
			stale = append(stale, store.ConditionKey(c.ID))
		}
	}

	effects, err := db.FetchActiveEffects(ctx, cfg.Partition)
	if err != nil {
		return fmt.Errorf("listing effects: %w", err)
	}
	for _, e := range effects {
		if _, ok := declared[store.EffectKey(e.ID)]; !ok {
			stale = append(stale, store.EffectKey(e.ID))
		}
	}

	for _, key := range stale {
		if err := db.SoftDeleteDefinition(ctx, key); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("pruning %s: %w", key, err))
			continue
		}
		result.DefinitionsPruned++
		publish(notify, cfg, key)
	}
	return nil
}

func publish(notify Notifier, cfg *config.ProjectConfig, key store.NodeKey) {
	if notify == nil {
		return
	}
	notify.Publish(subscriber.Message{
		Type:      subscriber.TypeDefinitionChanged,
		Partition: cfg.Partition,
		Branch:    cfg.Branch,
		NodeKey:   key,
	})
}

func walkDefinitionFiles(roots []string) ([]string, error) {
	var files []string
	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if strings.HasPrefix(d.Name(), ".") && path != root {
					return filepath.SkipDir
				}
				return nil
			}
			switch filepath.Ext(path) {
			case ".yaml", ".yml":
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("definitions directory %s does not exist", root)
			}
			return nil, fmt.Errorf("walking %s: %w", root, err)
		}
	}
	sort.Strings(files)
	return files, nil
}

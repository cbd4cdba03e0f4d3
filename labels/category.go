package labels

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Category is a class the detector can report.
type Category struct {
	ID   int    `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// CategoryIndex maps a class id to its category.
type CategoryIndex map[int]Category

// Name returns the name for a class id.
func (ci CategoryIndex) Name(id int) (string, bool) {
	c, ok := ci[id]
	if !ok {
		return "", false
	}
	return c.Name, true
}

// Categories returns the categories ordered by id.
func (ci CategoryIndex) Categories() []Category {
	out := make([]Category, 0, len(ci))
	for _, c := range ci {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DefaultCategories returns category_1 .. category_N, used when no label map is given.
func DefaultCategories(maxNumClasses int) []Category {
	categories := make([]Category, 0, maxNumClasses)
	for id := 1; id <= maxNumClasses; id++ {
		categories = append(categories, Category{ID: id, Name: fmt.Sprintf("category_%d", id)})
	}
	return categories
}

// ConvertToCategories turns a label map into the list of categories usable by
// a model with maxNumClasses classes.
//
// Arguments:
//   - lm: The label map. A nil map yields DefaultCategories.
//   - maxNumClasses: Items with an id outside [1, maxNumClasses] are skipped.
//   - useDisplayName: Prefer display_name over name when the item has one.
//
// Returns:
//   - []Category: Categories in label map order. The first item wins when ids repeat.
func ConvertToCategories(lm *LabelMap, maxNumClasses int, useDisplayName bool) []Category {
	categories, _ := convert(lm, maxNumClasses, useDisplayName)
	return categories
}

func convert(lm *LabelMap, maxNumClasses int, useDisplayName bool) ([]Category, []Item) {
	if lm == nil {
		return DefaultCategories(maxNumClasses), nil
	}

	var skipped []Item
	categories := make([]Category, 0, len(lm.Items))
	seen := make(map[int]bool, len(lm.Items))
	for _, item := range lm.Items {
		if item.ID < 1 || item.ID > maxNumClasses {
			skipped = append(skipped, item)
			continue
		}
		name := item.Name
		if useDisplayName && item.HasDisplayName {
			name = item.DisplayName
		}
		if seen[item.ID] {
			continue
		}
		seen[item.ID] = true
		categories = append(categories, Category{ID: item.ID, Name: name})
	}
	return categories, skipped
}

// CreateCategoryIndex keys categories by id.
func CreateCategoryIndex(categories []Category) CategoryIndex {
	index := make(CategoryIndex, len(categories))
	for _, c := range categories {
		index[c.ID] = c
	}
	return index
}

// Load builds a category index from a label map file using display names.
//
// Arguments:
//   - path: The label map path. An empty path yields the default categories.
//   - numClasses: The number of classes the model predicts.
//   - logger: Receives one line per skipped item. May be nil.
//
// Returns:
//   - CategoryIndex: The populated index.
//   - error: An error if the file cannot be read or parsed.
func Load(path string, numClasses int, logger *zap.Logger) (CategoryIndex, error) {
	if numClasses < 1 {
		return nil, errors.Errorf("num classes must be positive, got %d", numClasses)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var lm *LabelMap
	if path != "" {
		var err error
		if lm, err = LoadLabelMap(path); err != nil {
			return nil, err
		}
	}

	categories, skipped := convert(lm, numClasses, true)
	for _, item := range skipped {
		logger.Info("ignoring label map item outside the requested label range",
			zap.Int("id", item.ID),
			zap.String("name", item.Name),
			zap.Int("num_classes", numClasses))
	}
	return CreateCategoryIndex(categories), nil
}

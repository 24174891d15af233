package keystone

import (
	"context"
	"fmt"
)

// Builder collects categories, columns, and aggregator factories,
// then constructs and initializes the analyzer.
//
// Registration mistakes are programming errors and panic eagerly:
// claiming the reserved "id" column, registering on an unknown
// category or column, or registering the same aggregator id twice on
// the same column. Registering one id on several columns is how an
// aggregator observes multiple columns; the first factory wins.
type Builder struct {
	cfg      Config
	backend  Backend
	delegate Delegate

	categories    []*EventCategory
	categoryOrder map[string]int
	categoryAggs  map[string][]AggregatorSpec
	allEventAggs  []AggregatorSpec
}

// NewBuilder starts a builder against a backend and delegate.
func NewBuilder(backend Backend, delegate Delegate, cfg Config) *Builder {
	return &Builder{
		cfg:           cfg,
		backend:       backend,
		delegate:      delegate,
		categoryOrder: make(map[string]int),
		categoryAggs:  make(map[string][]AggregatorSpec),
	}
}

// AddCategory declares an event category.
func (b *Builder) AddCategory(name string) *Builder {
	if _, exists := b.categoryOrder[name]; exists {
		panic(fmt.Sprintf("keystone: category %q registered twice", name))
	}
	b.categoryOrder[name] = len(b.categories)
	b.categories = append(b.categories, &EventCategory{Name: name})
	return b
}

// AddColumn declares a payload column on a category.
func (b *Builder) AddColumn(category, column string) *Builder {
	if column == ReservedColumnName {
		panic(fmt.Sprintf("keystone: column name %q is reserved", ReservedColumnName))
	}
	cat := b.category(category)
	if cat.Column(column) != nil {
		panic(fmt.Sprintf("keystone: column %q registered twice on %q", column, category))
	}
	cat.Columns = append(cat.Columns, EventColumn{Name: column, CategoryName: category})
	return b
}

// RegisterColumnAggregator installs an aggregator factory on one
// column of one category.
func (b *Builder) RegisterColumnAggregator(category, column string, spec AggregatorSpec) *Builder {
	if column == ReservedColumnName {
		panic(fmt.Sprintf("keystone: column name %q is reserved", ReservedColumnName))
	}
	cat := b.category(category)
	col := cat.Column(column)
	if col == nil {
		panic(fmt.Sprintf("keystone: unknown column %q on category %q", column, category))
	}
	for _, existing := range col.Aggregators {
		if existing.ID == spec.ID {
			panic(fmt.Sprintf("keystone: aggregator %q registered twice on %s.%s", spec.ID, category, column))
		}
	}
	col.Aggregators = append(col.Aggregators, spec)
	return b
}

// RegisterCategoryAggregator installs an aggregator on a category as a
// whole. It rides the synthetic "id" column the builder appends.
func (b *Builder) RegisterCategoryAggregator(category string, spec AggregatorSpec) *Builder {
	b.category(category)
	for _, existing := range b.categoryAggs[category] {
		if existing.ID == spec.ID {
			panic(fmt.Sprintf("keystone: aggregator %q registered twice on category %q", spec.ID, category))
		}
	}
	b.categoryAggs[category] = append(b.categoryAggs[category], spec)
	return b
}

// RegisterAllEventsAggregator installs an aggregator observing every
// event regardless of category.
func (b *Builder) RegisterAllEventsAggregator(spec AggregatorSpec) *Builder {
	for _, existing := range b.allEventAggs {
		if existing.ID == spec.ID {
			panic(fmt.Sprintf("keystone: aggregator %q registered twice on all events", spec.ID))
		}
	}
	b.allEventAggs = append(b.allEventAggs, spec)
	return b
}

func (b *Builder) category(name string) *EventCategory {
	idx, ok := b.categoryOrder[name]
	if !ok {
		panic(fmt.Sprintf("keystone: unknown category %q", name))
	}
	return b.categories[idx]
}

// Client returns a submission client sharing the builder's backend and
// configuration.
func (b *Builder) Client() *Client {
	return NewClient(b.backend, b.cfg)
}

// Build composes the final categories, wires the aggregator-column
// registry, and constructs and initializes the analyzer.
func (b *Builder) Build(ctx context.Context) (*Analyzer, error) {
	registry := newColumnRegistry()
	categories := make(map[string]*EventCategory, len(b.categories))

	for _, cat := range b.categories {
		// The synthetic "id" column carries category-level specs.
		composed := &EventCategory{Name: cat.Name}
		composed.Columns = append(composed.Columns, cat.Columns...)
		composed.Columns = append(composed.Columns, EventColumn{
			Name:         ReservedColumnName,
			CategoryName: cat.Name,
			Aggregators:  b.categoryAggs[cat.Name],
		})
		categories[cat.Name] = composed

		for i := range composed.Columns {
			col := &composed.Columns[i]
			for _, spec := range col.Aggregators {
				registry.add(spec, col)
			}
		}
	}

	if len(b.allEventAggs) > 0 {
		// All-event aggregators ride an unscoped synthetic column.
		allColumn := &EventColumn{Name: ReservedColumnName, Aggregators: b.allEventAggs}
		for _, spec := range allColumn.Aggregators {
			registry.add(spec, allColumn)
		}
	}

	analyzer := newAnalyzer(b.cfg, b.backend, b.delegate, categories, registry)
	if err := analyzer.initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize analyzer: %w", err)
	}
	return analyzer, nil
}

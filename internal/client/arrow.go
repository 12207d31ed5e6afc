package client

import (
	"errors"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-gauntlet/internal/saliency"
)

// ErrNoRows is returned when a record build is asked for zero inputs.
var ErrNoRows = errors.New("client: no rows to build a record from")

// ReportBuilder creates Arrow RecordBatches from probe results so they can
// be shipped to a Longbow collector.
type ReportBuilder struct {
	mem memory.Allocator
}

// NewReportBuilder creates a new builder.
func NewReportBuilder(mem memory.Allocator) *ReportBuilder {
	return &ReportBuilder{mem: mem}
}

// BuildSaliencyRecord flattens per-text token saliency into one row per
// token: (text_id, position, token, score).
func (b *ReportBuilder) BuildSaliencyRecord(reports []saliency.TextSaliency) (arrow.Record, error) {
	if len(reports) == 0 {
		return nil, ErrNoRows
	}

	schema := arrow.NewSchema(
		[]arrow.Field{
			{Name: "text_id", Type: arrow.PrimitiveTypes.Int32},
			{Name: "position", Type: arrow.PrimitiveTypes.Int32},
			{Name: "token", Type: arrow.BinaryTypes.String},
			{Name: "score", Type: arrow.PrimitiveTypes.Float64},
		},
		nil,
	)

	textIDs := array.NewInt32Builder(b.mem)
	defer textIDs.Release()
	positions := array.NewInt32Builder(b.mem)
	defer positions.Release()
	tokens := array.NewStringBuilder(b.mem)
	defer tokens.Release()
	scores := array.NewFloat64Builder(b.mem)
	defer scores.Release()

	rows := 0
	for textID, report := range reports {
		for pos, tok := range report.Tokens {
			textIDs.Append(int32(textID))
			positions.Append(int32(pos))
			tokens.Append(tok)
			scores.Append(report.Scores[pos])
			rows++
		}
	}

	cols := []arrow.Array{
		textIDs.NewArray(),
		positions.NewArray(),
		tokens.NewArray(),
		scores.NewArray(),
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	return array.NewRecord(schema, cols, int64(rows)), nil
}

// BuildScoreRecord converts per-text class score rows into a RecordBatch
// with a list-valued score column, one row per text.
func (b *ReportBuilder) BuildScoreRecord(scores [][]float32) (arrow.Record, error) {
	if len(scores) == 0 {
		return nil, ErrNoRows
	}

	schema := arrow.NewSchema(
		[]arrow.Field{
			{Name: "text_id", Type: arrow.PrimitiveTypes.Int32},
			{Name: "scores", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
		},
		nil,
	)

	textIDs := array.NewInt32Builder(b.mem)
	defer textIDs.Release()
	listBuilder := array.NewListBuilder(b.mem, arrow.PrimitiveTypes.Float32)
	defer listBuilder.Release()
	valueBuilder := listBuilder.ValueBuilder().(*array.Float32Builder)

	for i, row := range scores {
		textIDs.Append(int32(i))
		listBuilder.Append(true)
		valueBuilder.AppendValues(row, nil)
	}

	cols := []arrow.Array{textIDs.NewArray(), listBuilder.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	return array.NewRecord(schema, cols, int64(len(scores))), nil
}

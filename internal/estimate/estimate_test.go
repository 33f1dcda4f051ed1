package estimate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tamma/pkg/models"
)

func TestWordEstimatorScalesWithContent(t *testing.T) {
	e := WordEstimator{}

	short := e.EstimateTokens(models.Request{Messages: []models.Message{
		{Role: models.RoleUser, Content: "hello"},
	}})
	long := e.EstimateTokens(models.Request{Messages: []models.Message{
		{Role: models.RoleUser, Content: "one two three four five six seven eight nine ten"},
	}})

	assert.GreaterOrEqual(t, short, 1)
	assert.Greater(t, long, short)
}

func TestWordEstimatorIncludesOutputBudget(t *testing.T) {
	e := WordEstimator{}
	req := models.Request{
		Messages:  []models.Message{{Role: models.RoleUser, Content: "hi"}},
		MaxTokens: 500,
	}
	assert.GreaterOrEqual(t, e.EstimateTokens(req), 500)
}

func TestWordEstimatorMinimumOne(t *testing.T) {
	e := WordEstimator{}
	req := models.Request{Messages: []models.Message{{Role: models.RoleUser, Content: "..."}}}
	assert.Equal(t, 1, e.EstimateTokens(req))
}

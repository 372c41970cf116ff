package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, New(KindValidation, "bad").Code)
	assert.Equal(t, http.StatusConflict, New(KindSlotConflict, "taken").Code)
	assert.Equal(t, http.StatusNotFound, New(KindNotFound, "gone").Code)
	assert.Equal(t, http.StatusInternalServerError, New(Kind("other"), "x").Code)
}

func TestWrapKeepsChain(t *testing.T) {
	base := New(KindSlotConflict, "time slot already booked")
	stale := Wrap(base, KindSlotConflict, "availability changed")

	wrapped := fmt.Errorf("create: %w", stale)
	assert.True(t, errors.Is(wrapped, base))
	assert.True(t, errors.Is(wrapped, stale))
	assert.Equal(t, KindSlotConflict, KindOf(wrapped))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

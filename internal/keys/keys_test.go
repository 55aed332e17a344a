package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectRoomRoundTrip(t *testing.T) {
	t.Parallel()

	id, err := ParseProjectRoom(ProjectRoom(42))
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)
}

func TestParseProjectRoomRejectsOtherRooms(t *testing.T) {
	t.Parallel()

	_, err := ParseProjectRoom("user_7")
	require.Error(t, err)

	_, err = ParseProjectRoom(ProjectRoom(1) + "x")
	require.Error(t, err)
}

func TestTaskListsMatchesEveryTaskCollection(t *testing.T) {
	t.Parallel()

	match := TaskLists()
	assert.True(t, match(ProjectTasks(3)))
	assert.True(t, match(MyTasks()))
	assert.False(t, match(Task(3)))
	assert.False(t, match(Notifications()))
}

func TestKeysAreDistinctPerResource(t *testing.T) {
	t.Parallel()

	assert.NotEqual(t, Project(3), ProjectTasks(3))
	assert.NotEqual(t, Task(3), Comments(3))
	assert.Equal(t, "tasks:project=3", ProjectTasks(3).String())
}

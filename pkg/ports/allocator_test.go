package ports

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	a, err := NewAllocator(&Config{Min: 42000, Max: 43000, MaxAttempts: 200})
	require.NoError(t, err)
	return a
}

// TestReserveReturnsEvenPairs проверяет порядок и выравнивание пар
func TestReserveReturnsEvenPairs(t *testing.T) {
	a := newTestAllocator(t)

	set, err := a.Reserve(FamilyIPv4, 4)
	require.NoError(t, err)
	defer set.Release()

	require.Equal(t, 4, set.Len())
	assert.Zero(t, set.At(IdxVideo)%2, "RTP порт должен быть четным")
	assert.Equal(t, set.At(IdxVideo)+1, set.At(IdxVideoRTCP), "RTCP = RTP+1")
	assert.Zero(t, set.At(IdxAudio)%2)
	assert.Equal(t, set.At(IdxAudio)+1, set.At(IdxAudioRTCP))
}

// TestConcurrentReservationsDisjoint: параллельные резервирования
// никогда не пересекаются
func TestConcurrentReservationsDisjoint(t *testing.T) {
	a := newTestAllocator(t)

	const sessions = 10
	var mu sync.Mutex
	seen := make(map[int]int) // порт -> сколько раз выдан
	sets := make([]*PortSet, 0, sessions)

	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			set, err := a.Reserve(FamilyIPv4, 4)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			sets = append(sets, set)
			for _, p := range set.Ports() {
				seen[p]++
			}
		}()
	}
	wg.Wait()

	for port, n := range seen {
		assert.Equal(t, 1, n, "порт %d выдан %d раз", port, n)
	}
	for _, set := range sets {
		set.Release()
	}
}

// TestReleaseMakesPortsReusable: после Release порты доступны повторно
func TestReleaseMakesPortsReusable(t *testing.T) {
	a, err := NewAllocator(&Config{Min: 44000, Max: 44008, MaxAttempts: 50})
	require.NoError(t, err)

	set1, err := a.Reserve(FamilyIPv4, 8)
	require.NoError(t, err)
	first := set1.Ports()

	// диапазон исчерпан - вторая резервация обязана упасть
	_, err = a.Reserve(FamilyIPv4, 4)
	require.Error(t, err)
	var re *ReservationError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, FamilyIPv4, re.Family)

	set1.Release()

	set2, err := a.Reserve(FamilyIPv4, 8)
	require.NoError(t, err)
	defer set2.Release()
	assert.ElementsMatch(t, first, set2.Ports(), "после Release порты переиспользуются")
}

// TestReleaseIdempotent: двойной Release не ломает учет занятости
func TestReleaseIdempotent(t *testing.T) {
	a := newTestAllocator(t)

	set, err := a.Reserve(FamilyIPv4, 2)
	require.NoError(t, err)
	port := set.At(IdxVideo)

	set.Release()
	set.Release()
	assert.False(t, a.InUse(port))

	// порт не должен был "освободиться дважды" и сломать чужую резервацию
	other, err := a.Reserve(FamilyIPv4, 2)
	require.NoError(t, err)
	defer other.Release()
}

// TestOddCountRoundedUp: нечетное количество округляется до пары
func TestOddCountRoundedUp(t *testing.T) {
	a := newTestAllocator(t)

	set, err := a.Reserve(FamilyIPv4, 3)
	require.NoError(t, err)
	defer set.Release()
	assert.Equal(t, 4, set.Len())
}

// TestConfigValidate проверяет отбраковку невалидных конфигураций
func TestConfigValidate(t *testing.T) {
	cases := []Config{
		{Min: 0, Max: 100, MaxAttempts: 1},
		{Min: 100, Max: 104, MaxAttempts: 1},
		{Min: 10000, Max: 20000, MaxAttempts: 0},
	}
	for _, cfg := range cases {
		_, err := NewAllocator(&cfg)
		assert.Error(t, err, "cfg=%+v", cfg)
	}
}

package memutils

import "math"

// Statistics summarizes the scratch buffers held by one or more pools
type Statistics struct {
	// BufferCount is the number of committed buffers currently available for slicing
	BufferCount int
	// BufferBytes is the total capacity of those buffers
	BufferBytes int
	// RetiredCount is the number of replaced buffers still waiting for in-flight launches to finish
	RetiredCount int
	// RetiredBytes is the total capacity of the retired buffers
	RetiredBytes int
}

func (s *Statistics) Clear() {
	s.BufferCount = 0
	s.BufferBytes = 0
	s.RetiredCount = 0
	s.RetiredBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BufferCount += other.BufferCount
	s.BufferBytes += other.BufferBytes
	s.RetiredCount += other.RetiredCount
	s.RetiredBytes += other.RetiredBytes
}

func (s *Statistics) AddBuffer(size int) {
	s.BufferCount++
	s.BufferBytes += size
}

func (s *Statistics) AddRetired(size int) {
	s.RetiredCount++
	s.RetiredBytes += size
}

type DetailedStatistics struct {
	Statistics
	// GrowCount is the number of reservations that committed a new buffer
	GrowCount int
	// ReuseCount is the number of reservations satisfied by the existing buffer
	ReuseCount int
	// FailedGrowCount is the number of reservations that could not be satisfied
	FailedGrowCount int
	CapacityMin     int
	CapacityMax     int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.GrowCount = 0
	s.ReuseCount = 0
	s.FailedGrowCount = 0
	s.CapacityMin = math.MaxInt
	s.CapacityMax = 0
}

func (s *DetailedStatistics) AddBuffer(size int) {
	s.Statistics.AddBuffer(size)

	if size < s.CapacityMin {
		s.CapacityMin = size
	}

	if size > s.CapacityMax {
		s.CapacityMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.GrowCount += other.GrowCount
	s.ReuseCount += other.ReuseCount
	s.FailedGrowCount += other.FailedGrowCount

	if other.CapacityMin < s.CapacityMin {
		s.CapacityMin = other.CapacityMin
	}

	if other.CapacityMax > s.CapacityMax {
		s.CapacityMax = other.CapacityMax
	}
}

package helpers

// fallbackMemoryLimitMB applies when total memory cannot be read.
const fallbackMemoryLimitMB = 512

// RecommendedMemoryLimitMB is the soft memory limit for the process: three
// quarters of physical memory, at least 512MB where the machine has that much.
func RecommendedMemoryLimitMB() int {
	totalMB := TotalSystemMemoryMB()
	if totalMB == 0 {
		return fallbackMemoryLimitMB
	}

	limit := totalMB * 3 / 4
	if limit < fallbackMemoryLimitMB {
		return min(totalMB, fallbackMemoryLimitMB)
	}
	return limit
}

package devices

// enumerate is swapped out by tests; platformEnumerate is supplied per-OS.
var enumerate = platformEnumerate

package main

import "time"

// timeNow is swapped in tests.
var timeNow = time.Now

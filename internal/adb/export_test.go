package adb

var Truncate = truncate

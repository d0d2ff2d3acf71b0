package language

// builtin is the language table the service ships with.
var builtin = []Spec{
	{
		ID:       "python",
		Image:    "python:3.12-slim",
		CodePath: "/code.py",
		Run:      "python {path}",
		Install:  "pip install --no-cache-dir {libs}",
	},
	{
		ID:       "node",
		Image:    "node:22-slim",
		CodePath: "/code.js",
		Run:      "node {path}",
		Install:  "npm install -g {libs}",
	},
	{
		ID:       "cpp",
		Image:    "gcc:13",
		CodePath: "/code.cpp",
		Run:      "g++ {path} -o /tmp/a.out && /tmp/a.out",
	},
	{
		ID:       "c",
		Image:    "gcc:13",
		CodePath: "/code.c",
		Run:      "gcc {path} -o /tmp/a.out && /tmp/a.out",
	},
	{
		ID:       "java",
		Image:    "eclipse-temurin:21-jdk",
		CodePath: "/HelloWorld.java",
		Run:      "javac -d /tmp {path} && java -cp /tmp HelloWorld",
	},
	{
		ID:       "kotlin",
		Image:    "zenika/kotlin:latest",
		CodePath: "/code.kt",
		Run:      "kotlinc {path} -include-runtime -d /tmp/code.jar && java -jar /tmp/code.jar",
	},
}

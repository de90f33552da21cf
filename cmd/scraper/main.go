package main

import "github.com/jpns3334444/scraper-sub000/cmd"

func main() {
	cmd.Execute()
}
